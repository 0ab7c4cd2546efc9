package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render writes a human-readable summary of the report.
func Render(w io.Writer, rep *Report) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft},
	})

	tw.AppendRow(table.Row{"Job", fmt.Sprintf("#%d %s", rep.JobID, rep.Label)})
	tw.AppendRow(table.Row{"Source", rep.SourceKind})
	tw.AppendRow(table.Row{"Verdict", strings.ToUpper(string(rep.Verdict))})
	tw.AppendRow(table.Row{"Image", fmt.Sprintf("%s (%s)", rep.ImageFile, humanize.IBytes(uint64(rep.ImageBytes)))})
	tw.AppendRow(table.Row{"Algorithm", rep.Algorithm})
	tw.AppendRow(table.Row{"Units", fmt.Sprintf("%d total, %d verified", rep.UnitCount, rep.VerifiedUnits)})
	if len(rep.RepairedUnits) > 0 {
		tw.AppendRow(table.Row{"Repaired", formatSeqs(rep.RepairedUnits)})
	}
	if len(rep.UnrepairableUnits) > 0 {
		tw.AppendRow(table.Row{"Unrepairable", formatSeqs(rep.UnrepairableUnits)})
	}
	tw.AppendRow(table.Row{"Parity", fmt.Sprintf("%d blocks, %d intact (ratio %.0f%%)", rep.TotalBlocks, rep.IntactBlocks, rep.RedundancyRatio*100)})
	tw.AppendRow(table.Row{"Generated", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST")})

	fmt.Fprintln(w, tw.Render())
}

func formatSeqs(seqs []int) string {
	parts := make([]string, len(seqs))
	for i, seq := range seqs {
		parts[i] = fmt.Sprintf("%d", seq)
	}
	return strings.Join(parts, ", ")
}
