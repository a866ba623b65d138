package conbuilder

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// pickLayers opens a full-screen picker over the cached dependency layers
// and returns the ones the user marked for removal.
func pickLayers(layers []LayerInfo) ([]LayerInfo, error) {
	app := tview.NewApplication()
	selected := make(map[int]bool)
	accepted := false

	table := tview.NewTable().SetSelectable(true, false)
	table.SetBorder(true)
	table.SetTitle(" conbuilder purge - space: mark, enter: delete marked, q: quit ")

	render := func() {
		for i, layer := range layers {
			mark := "[ ]"
			if selected[i] {
				mark = "[x]"
			}
			deps := fmt.Sprintf("%d deps", len(layer.Deps))
			table.SetCell(i, 0, tview.NewTableCell(mark))
			table.SetCell(i, 1, tview.NewTableCell(layer.ID))
			table.SetCell(i, 2, tview.NewTableCell(fmt.Sprintf("%.0f days", layer.Age.Hours()/24)))
			table.SetCell(i, 3, tview.NewTableCell(deps))
		}
	}
	render()

	table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Rune() == ' ':
			row, _ := table.GetSelection()
			if row >= 0 && row < len(layers) {
				selected[row] = !selected[row]
				render()
			}
			return nil
		case event.Key() == tcell.KeyEnter:
			accepted = true
			app.Stop()
			return nil
		case event.Rune() == 'q', event.Key() == tcell.KeyEscape:
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(table, true).Run(); err != nil {
		return nil, err
	}
	if !accepted {
		return nil, nil
	}

	var picked []LayerInfo
	for i, layer := range layers {
		if selected[i] {
			picked = append(picked, layer)
		}
	}
	return picked, nil
}
