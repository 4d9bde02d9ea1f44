package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/srdgame/libplctag-sub000/logging"
)

// DebugTab shows the debug log.
type DebugTab struct {
	app       *App
	store     *LogStore
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	shown     uint64
}

// NewDebugTab creates the debug tab over store.
func NewDebugTab(app *App, store *LogStore) *DebugTab {
	t := &DebugTab{app: app, store: store}

	t.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(true).
		SetMaxLines(store.maxLines).
		SetTextColor(ColorText)
	t.logView.SetBorder(true).SetTitle(" Debug Log ").SetBorderColor(ColorBorder).SetTitleColor(ColorAccent)
	t.logView.SetInputCapture(t.handleKeys)

	t.statusBar = tview.NewTextView().SetDynamicColors(true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.updateStatusBar()
	return t
}

func (t *DebugTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'c', 'C':
		t.store.Clear()
		t.Refresh()
		return nil
	case 'G':
		t.logView.ScrollToEnd()
		return nil
	case 'g':
		t.logView.ScrollToBeginning()
		return nil
	case '+':
		logging.SetDebugLevel(logging.DebugLevel() + 1)
		t.updateStatusBar()
		return nil
	case '-':
		logging.SetDebugLevel(logging.DebugLevel() - 1)
		t.updateStatusBar()
		return nil
	}
	return event
}

func (t *DebugTab) updateStatusBar() {
	lines, _ := t.store.Lines()
	t.statusBar.SetText(fmt.Sprintf(" level [yellow]%d[-]  lines %d", logging.DebugLevel(), len(lines)))
}

// Refresh redraws the log if the store changed. Call on the UI goroutine.
func (t *DebugTab) Refresh() {
	lines, version := t.store.Lines()
	if version == t.shown {
		return
	}
	t.shown = version
	t.logView.SetText(strings.Join(lines, "\n"))
	t.logView.ScrollToEnd()
	t.updateStatusBar()
}

// GetPrimitive returns the root primitive.
func (t *DebugTab) GetPrimitive() tview.Primitive { return t.flex }

// GetFocusable returns the primitive that takes focus.
func (t *DebugTab) GetFocusable() tview.Primitive { return t.logView }
