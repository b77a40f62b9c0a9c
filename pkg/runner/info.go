package runner

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"golang.org/x/exp/maps"
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = cellStyle.Bold(true).Foreground(lipgloss.Color("212")).Align(lipgloss.Center)
	scopeStyle  = cellStyle.Faint(true)
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newInfoTable returns a table with scope, name and value columns. Scopes are faint and values are
// right-aligned.
func newInfoTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		BorderRow(false).
		Headers("Scope", "Name", "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case col == 0:
				return scopeStyle
			case col == 2:
				return cellStyle.Align(lipgloss.Right)
			default:
				return cellStyle
			}
		})
}

// PrintInfo writes a table with all the hyperparameters in the context, followed by the number of
// variables, parameters and their memory.
func PrintInfo(w io.Writer, title string, ctx *context.Context) {
	type scopeKey struct{ Scope, Key string }
	values := make(map[scopeKey]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		values[scopeKey{scope, key}] = value
	})
	keys := maps.Keys(values)
	slices.SortFunc(keys, func(a, b scopeKey) int {
		if c := cmp.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	table := newInfoTable()
	for _, k := range keys {
		table.Row(k.Scope, k.Key, fmt.Sprintf("%v", values[k]))
	}
	table.Row("", "# variables", humanize.Comma(int64(ctx.NumVariables())))
	table.Row("", "# parameters", humanize.Comma(int64(ctx.NumParameters())))
	table.Row("", "# bytes", humanize.Bytes(uint64(ctx.Memory())))

	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	_, _ = fmt.Fprintln(w, table.Render())
}
