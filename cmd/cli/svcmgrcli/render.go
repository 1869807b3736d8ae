package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/core-tools/hsu-svcmgr/pkg/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

func renderBitrotReply(reply domain.BitrotReply) string {
	if reply.OpRet == 0 {
		return fmt.Sprintf("volume bitrot: success (volume: %s, command: %s)", reply.Volume, reply.Command)
	}
	return fmt.Sprintf("volume bitrot: failed: %s", reply.OpErrStr)
}

// renderStatus draws the service table; decorated output uses rounded borders
func renderStatus(statuses []domain.ServiceStatus, decorated bool) string {
	tw := table.NewWriter()
	if decorated {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}

	tw.AppendHeader(table.Row{"Service", "Kind", "Running", "Online", "PID"})
	for _, s := range statuses {
		pid := "N/A"
		if s.Running && s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		tw.AppendRow(table.Row{s.Name, s.Kind, yesNo(s.Running), yesNo(s.Online), pid})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func shouldDecorate(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
