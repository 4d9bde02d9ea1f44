package tui

import (
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/plcman"
)

// RefreshInterval is how often the tables are redrawn.
const RefreshInterval = 500 * time.Millisecond

// App is the terminal monitor.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	tabs      *tview.TextView
	statusBar *tview.TextView

	gatewaysTab *GatewaysTab
	debugTab    *DebugTab

	manager *plcman.Manager
	cfg     *config.Config

	currentTab int
	tabNames   []string

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewApp creates the monitor. store receives the debug log.
func NewApp(cfg *config.Config, manager *plcman.Manager, store *LogStore) *App {
	if cfg.UI.ASCIIMode {
		useASCIIBorders()
	}
	a := &App{
		app:      tview.NewApplication(),
		cfg:      cfg,
		manager:  manager,
		tabNames: []string{TabGateways, TabDebug},
		stopChan: make(chan struct{}),
	}
	a.setupUI(store)
	return a
}

func (a *App) setupUI(store *LogStore) {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(ColorText)

	a.pages = tview.NewPages()
	a.gatewaysTab = NewGatewaysTab(a)
	a.debugTab = NewDebugTab(a, store)
	a.pages.AddPage(TabGateways, a.gatewaysTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}
	// Modals get every key.
	if front, _ := a.pages.GetFrontPage(); front != TabGateways && front != TabDebug {
		return event
	}
	switch {
	case event.Rune() == 'Q':
		a.Shutdown()
		return nil
	case event.Key() == tcell.KeyBacktab:
		a.switchToTab((a.currentTab + 1) % len(a.tabNames))
		return nil
	case event.Rune() == '?':
		a.showHelp()
		return nil
	}
	return event
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.currentTab {
	case 0:
		a.app.SetFocus(a.gatewaysTab.GetFocusable())
	case 1:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += "[gray]  |  [-]"
		}
		if i == a.currentTab {
			text += "[yellow::b]" + name + "[-::-]"
		} else {
			text += "[gray]" + name + "[-]"
		}
	}
	a.tabs.SetText(text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) showHelp() {
	const pageName = "help"
	textView := tview.NewTextView().SetText(HelpText)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})
	a.showCenteredModal(pageName, textView, 45, 24)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("error")
			a.focusCurrentTab()
		})
	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showCenteredModal(name string, p tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false), width, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(name, modal, true, true)
	a.app.SetFocus(p)
}

func (a *App) closeModal(name string) {
	a.pages.RemovePage(name)
	a.focusCurrentTab()
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.gatewaysTab.Refresh()
				a.debugTab.Refresh()
			})
		}
	}
}

// Run blocks until the user quits or Shutdown is called.
func (a *App) Run() error {
	go a.refreshLoop()
	return a.app.Run()
}

// Shutdown stops the monitor.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.app.Stop()
	})
}
