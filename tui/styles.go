// Package tui provides the terminal monitor for the tag daemon.
package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/srdgame/libplctag-sub000/plcman"
)

// Color scheme
var (
	ColorAccent     = tcell.ColorYellow
	ColorError      = tcell.ColorRed
	ColorConnected  = tcell.ColorGreen
	ColorDisconnect = tcell.ColorGray
	ColorText       = tcell.ColorWhite
	ColorBorder     = tcell.ColorBlue
)

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// ASCII variants for terminals without Unicode.
const (
	asciiConnected    = "[green]*[-]"
	asciiDisconnected = "[gray]o[-]"
	asciiConnecting   = "[yellow]~[-]"
	asciiError        = "[red]![-]"
)

// Tab labels
const (
	TabGateways = "Gateways"
	TabDebug    = "Debug"
)

func statusIndicator(s plcman.ConnectionStatus, ascii bool) string {
	switch s {
	case plcman.StatusConnected:
		if ascii {
			return asciiConnected
		}
		return StatusIndicatorConnected
	case plcman.StatusConnecting:
		if ascii {
			return asciiConnecting
		}
		return StatusIndicatorConnecting
	case plcman.StatusError:
		if ascii {
			return asciiError
		}
		return StatusIndicatorError
	default:
		if ascii {
			return asciiDisconnected
		}
		return StatusIndicatorDisconnected
	}
}

// useASCIIBorders switches tview's box drawing to plain ASCII.
func useASCIIBorders() {
	b := &tview.Borders
	b.Horizontal, b.Vertical = '-', '|'
	b.TopLeft, b.TopRight, b.BottomLeft, b.BottomRight = '+', '+', '+', '+'
	b.LeftT, b.RightT, b.TopT, b.BottomT, b.Cross = '+', '+', '+', '+', '+'
	b.HorizontalFocus, b.VerticalFocus = '=', '|'
	b.TopLeftFocus, b.TopRightFocus, b.BottomLeftFocus, b.BottomRightFocus = '+', '+', '+', '+'
}

// Help text
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch tabs
   Tab          Gateways / tags
   Escape       Close dialog
   ?            Show this help

 Gateways Tab
   p            Poll selected gateway now
   w            Write selected tag

 Debug Tab
   c            Clear
   g / G        Top / bottom
   +/-          Raise / lower debug level

 Application
   Q            Quit
`
