package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/srdgame/libplctag-sub000/plcman"
)

// GatewaysTab lists gateways and the live values of the selected one.
type GatewaysTab struct {
	app      *App
	flex     *tview.Flex
	gwTable  *tview.Table
	tagTable *tview.Table
	selected string
}

// NewGatewaysTab creates the gateways tab.
func NewGatewaysTab(app *App) *GatewaysTab {
	t := &GatewaysTab{app: app}

	t.gwTable = tview.NewTable().SetSelectable(true, false).SetFixed(1, 0)
	t.gwTable.SetBorder(true).SetTitle(" Gateways ").SetBorderColor(ColorBorder).SetTitleColor(ColorAccent)
	t.gwTable.SetSelectionChangedFunc(func(row, _ int) {
		if cell := t.gwTable.GetCell(row, 1); row > 0 && cell != nil {
			t.selected = cell.Text
			t.refreshTags()
		}
	})
	t.gwTable.SetInputCapture(t.handleKeys)

	t.tagTable = tview.NewTable().SetSelectable(true, false).SetFixed(1, 0)
	t.tagTable.SetBorder(true).SetTitle(" Tags ").SetBorderColor(ColorBorder).SetTitleColor(ColorAccent)
	t.tagTable.SetInputCapture(t.handleKeys)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.gwTable, 8, 0, true).
		AddItem(t.tagTable, 0, 1, false)
	t.Refresh()
	return t
}

func (t *GatewaysTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyTab:
		if t.app.app.GetFocus() == t.gwTable {
			t.app.app.SetFocus(t.tagTable)
		} else {
			t.app.app.SetFocus(t.gwTable)
		}
		return nil
	case event.Rune() == 'p':
		t.pollSelected()
		return nil
	case event.Rune() == 'w':
		t.writeSelected()
		return nil
	}
	return event
}

func header(table *tview.Table, titles ...string) {
	for i, title := range titles {
		table.SetCell(0, i, tview.NewTableCell(title).
			SetTextColor(ColorAccent).
			SetSelectable(false).
			SetExpansion(1))
	}
}

// Refresh redraws both tables. Call on the UI goroutine.
func (t *GatewaysTab) Refresh() {
	ascii := t.app.cfg.UI.ASCIIMode
	gateways := t.app.manager.ListGateways()

	t.gwTable.Clear()
	header(t.gwTable, "", "Name", "Address", "Status", "Tags", "Last Poll", "Error")
	for i, gw := range gateways {
		row := i + 1
		errText := ""
		if err := gw.GetError(); err != nil {
			errText = err.Error()
		}
		t.gwTable.SetCell(row, 0, tview.NewTableCell(statusIndicator(gw.GetStatus(), ascii)))
		t.gwTable.SetCellSimple(row, 1, gw.Config.Name)
		t.gwTable.SetCellSimple(row, 2, gw.Config.Address)
		t.gwTable.SetCellSimple(row, 3, gw.GetStatus().String())
		t.gwTable.SetCellSimple(row, 4, strconv.Itoa(len(gw.Config.Tags)))
		t.gwTable.SetCellSimple(row, 5, formatAge(gw.GetLastPoll(), time.Now()))
		t.gwTable.SetCell(row, 6, tview.NewTableCell(errText).SetTextColor(ColorError))
	}
	if t.selected == "" && len(gateways) > 0 {
		t.selected = gateways[0].Config.Name
	}
	for i, gw := range gateways {
		if gw.Config.Name == t.selected {
			if r, _ := t.gwTable.GetSelection(); r != i+1 {
				t.gwTable.Select(i+1, 0)
			}
		}
	}
	t.refreshTags()
}

func (t *GatewaysTab) refreshTags() {
	row, _ := t.tagTable.GetSelection()
	t.tagTable.Clear()
	header(t.tagTable, "Tag", "Type", "W", "Value", "Updated")

	gw := t.app.manager.GetGateway(t.selected)
	if gw == nil {
		return
	}
	values := gw.GetValues()
	for i, tc := range gw.Config.Tags {
		w := ""
		if tc.Writable {
			w = "w"
		}
		text, color, updated := "-", ColorDisconnect, ""
		if v := values[tc.Name]; v != nil {
			text, color = formatValue(v), ColorText
			if v.Error != nil {
				color = ColorError
			}
			updated = v.Timestamp.Format("15:04:05.000")
		}
		t.tagTable.SetCellSimple(i+1, 0, tc.Name)
		t.tagTable.SetCellSimple(i+1, 1, tc.Type)
		t.tagTable.SetCellSimple(i+1, 2, w)
		t.tagTable.SetCell(i+1, 3, tview.NewTableCell(text).SetTextColor(color))
		t.tagTable.SetCellSimple(i+1, 4, updated)
	}
	if row > 0 && row <= len(gw.Config.Tags) {
		t.tagTable.Select(row, 0)
	}
}

func (t *GatewaysTab) pollSelected() {
	gw := t.app.manager.GetGateway(t.selected)
	if gw == nil {
		return
	}
	t.app.setStatus(fmt.Sprintf("Polling %s...", gw.Config.Name))
	go func() {
		polled, changed := t.app.manager.Poll(gw)
		t.app.app.QueueUpdateDraw(func() {
			t.app.setStatus(fmt.Sprintf("Polled %s: %d tags, %d changed", gw.Config.Name, polled, changed))
			t.Refresh()
		})
	}()
}

func (t *GatewaysTab) writeSelected() {
	gw := t.app.manager.GetGateway(t.selected)
	row, _ := t.tagTable.GetSelection()
	if gw == nil || row < 1 || row > len(gw.Config.Tags) {
		return
	}
	tc := gw.Config.Tags[row-1]
	if !tc.Writable {
		t.app.showError("Write", fmt.Sprintf("%s is not writable", tc.Name))
		return
	}

	const pageName = "write"
	form := tview.NewForm()
	form.AddInputField("Value", "", 30, nil, nil)
	form.AddButton("Write", func() {
		input := form.GetFormItem(0).(*tview.InputField).GetText()
		t.app.closeModal(pageName)
		value, err := parseInput(input, max(tc.Count, 1))
		if err != nil {
			t.app.showError("Write", err.Error())
			return
		}
		go func() {
			err := t.app.manager.WriteTag(gw.Config.Name, tc.Name, value)
			t.app.app.QueueUpdateDraw(func() {
				if err != nil {
					t.app.showError("Write failed", err.Error())
					return
				}
				t.app.setStatus(fmt.Sprintf("Wrote %s.%s = %s", gw.Config.Name, tc.Name, input))
			})
		}()
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })
	form.SetBorder(true).SetTitle(fmt.Sprintf(" Write %s (%s) ", tc.Name, tc.Type))
	form.SetCancelFunc(func() { t.app.closeModal(pageName) })
	t.app.showCenteredModal(pageName, form, 50, 7)
}

// parseInput turns typed text into a value plcman can encode. Arrays take
// comma separated elements.
func parseInput(s string, count int) (interface{}, error) {
	parts := strings.Split(s, ",")
	if count == 1 && len(parts) == 1 {
		return parseScalar(parts[0])
	}
	if len(parts) != count {
		return nil, fmt.Errorf("expected %d comma separated values, got %d", count, len(parts))
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		v, err := parseScalar(p)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseScalar(s string) (interface{}, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true", "on":
		return true, nil
	case "false", "off":
		return false, nil
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("cannot parse %q", s)
}

func formatValue(v *plcman.TagValue) string {
	if v.Error != nil {
		return v.Error.Error()
	}
	switch x := v.Value.(type) {
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprint(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return t.Format("15:04:05")
	}
}

// GetPrimitive returns the root primitive.
func (t *GatewaysTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the primitive that takes focus.
func (t *GatewaysTab) GetFocusable() tview.Primitive { return t.gwTable }
