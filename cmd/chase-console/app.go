package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/unklstewy/balloon-chase/internal/chase"
	"github.com/unklstewy/balloon-chase/internal/client"
	"github.com/unklstewy/balloon-chase/internal/events"
	"github.com/unklstewy/balloon-chase/pkg/geodesy"
)

// Conn is the server connection used by the console.
type Conn interface {
	Run(ctx context.Context, fn func(client.Event)) error
	Send(command string, data any) error
	Archive(ctx context.Context) (map[string]client.ArchiveEntry, error)
}

var payloadColumns = []string{"CALLSIGN", "ALT (m)", "VEL V", "RANGE", "BEARING", "ELEV", "TTL", "LANDING"}

// App represents the main application
type App struct {
	conn   Conn
	server string
	state  *client.State

	// UI components
	tviewApp  *tview.Application
	payloads  *tview.Table
	telemetry *tview.TextView
	controls  *tview.TextView
	logs      *LogManager

	mu       sync.Mutex
	selected string
}

// NewApp creates a new application instance
func NewApp(conn Conn, server string) *App {
	app := &App{
		conn:   conn,
		server: server,
		state:  client.NewState(0),
	}
	app.setupUI()
	return app
}

// setupUI initializes the user interface
func (a *App) setupUI() {
	a.tviewApp = tview.NewApplication()

	a.payloads = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	a.payloads.SetBorder(true).SetTitle(" Payloads ")
	a.payloads.SetSelectionChangedFunc(func(row, _ int) {
		if row < 1 {
			return
		}
		if cell := a.payloads.GetCell(row, 0); cell != nil {
			a.mu.Lock()
			a.selected = cell.Text
			a.mu.Unlock()
			a.updateTelemetry()
		}
	})

	a.telemetry = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	a.telemetry.SetBorder(true).SetTitle(" Telemetry ")

	a.controls = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	a.controls.SetBorder(true).SetTitle(" Controls ")
	a.controls.SetText(`[yellow]NAVIGATION[-]
  [white]↑/↓, j/k[-]  Select

[yellow]PREDICTOR[-]
  [white]e[-]         Enable/disable
  [white]d[-]         Download model

[yellow]CLEAR[-]
  [white]P[-]         Payloads
  [white]B[-]         Bearings
  [white]C[-]         Car

[yellow]CONTROL[-]
  [white]q[-]         Quit`)

	a.logs = NewLogManager(100)
	a.logs.Info("Connected to %s", a.server)

	sidebar := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.telemetry, 0, 4, false).
		AddItem(a.controls, 0, 3, false)

	top := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.payloads, 0, 7, true).
		AddItem(sidebar, 0, 3, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 0, 7, true).
		AddItem(a.logs.GetView(), 0, 3, false)

	a.tviewApp.SetRoot(root, true)
	a.tviewApp.SetInputCapture(a.handleKeyboard)
	a.refreshPayloads()
	a.updateTelemetry()
}

// handleKeyboard handles keyboard input
func (a *App) handleKeyboard(event *tcell.EventKey) *tcell.EventKey {
	key := event.Key()
	r := event.Rune()

	switch {
	case key == tcell.KeyEscape || r == 'q':
		a.tviewApp.Stop()
		return nil
	case r == 'j':
		return tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone)
	case r == 'k':
		return tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone)
	case r == 'e':
		enabled := !a.state.Settings().PredictorEnabled
		a.send(chase.CmdSettingsUpdate, map[string]bool{"pred_enabled": enabled})
		return nil
	case r == 'd':
		a.send(chase.CmdDownloadModel, nil)
		return nil
	case r == 'P':
		a.send(chase.CmdClearPayloads, nil)
		return nil
	case r == 'B':
		a.send(chase.CmdClearBearings, nil)
		return nil
	case r == 'C':
		a.send(chase.CmdClearCar, nil)
		return nil
	}
	return event
}

func (a *App) send(command string, data any) {
	if err := a.conn.Send(command, data); err != nil {
		a.logs.Error("%v", err)
		return
	}
	a.logs.Debug("Sent %s", command)
}

// Run starts the event stream and the UI. It returns when the user quits,
// ctx is done or the server goes away.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if archive, err := a.conn.Archive(ctx); err != nil {
		a.logs.Warn("Could not load telemetry archive: %v", err)
	} else {
		a.state.LoadArchive(archive)
		a.logs.Info("Loaded %d payloads from archive", len(archive))
		a.refreshPayloads()
	}

	go func() {
		err := a.conn.Run(ctx, a.handleEvent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logs.Error("Connection lost: %v", err)
		} else {
			a.logs.Warn("Server closed the connection")
		}
		a.tviewApp.QueueUpdateDraw(func() {})
	}()

	go func() {
		<-ctx.Done()
		a.tviewApp.Stop()
	}()

	// Clock and age refresh
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.tviewApp.QueueUpdateDraw(a.updateTelemetry)
			}
		}
	}()

	return a.tviewApp.Run()
}

func (a *App) handleEvent(ev client.Event) {
	if err := a.state.Apply(ev); err != nil {
		a.logs.Warn("%v", err)
		return
	}

	switch ev.Type {
	case events.TypeLog:
		var l events.Log
		if json.Unmarshal(ev.Data, &l) == nil {
			a.logs.AddLog(parseLevel(l.Level), "%s", l.Message)
		}
		return
	case events.TypePredictorModel:
		a.logs.Info("Predictor model: %s", a.state.Model())
	}
	a.tviewApp.QueueUpdateDraw(func() {
		a.refreshPayloads()
		a.updateTelemetry()
	})
}

// refreshPayloads rebuilds the payload table.
func (a *App) refreshPayloads() {
	a.payloads.Clear()
	for col, title := range payloadColumns {
		a.payloads.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	names := a.state.Callsigns()
	a.mu.Lock()
	if a.selected == "" && len(names) > 0 {
		a.selected = names[0]
	}
	a.mu.Unlock()

	for i, name := range names {
		p, _ := a.state.Payload(name)
		rng, ok := a.state.RangeTo(name)
		for col, text := range payloadRow(name, p, rng, ok) {
			cell := tview.NewTableCell(text)
			if col == 0 {
				cell.SetTextColor(tcell.ColorGreen)
			}
			a.payloads.SetCell(i+1, col, cell)
		}
	}
}

// payloadRow formats one table row.
func payloadRow(name string, p client.Payload, rng client.Range, haveRange bool) []string {
	row := []string{
		name,
		fmt.Sprintf("%.0f", p.Telemetry.Position[2]),
		fmt.Sprintf("%+.1f", p.Telemetry.VelV),
		"-", "-", "-",
		p.Telemetry.TimeToLanding,
		"-",
	}
	if haveRange {
		row[3] = formatDistance(rng.Distance)
		row[4] = fmt.Sprintf("%03.0f° %s", rng.Bearing, geodesy.BearingToCardinal(rng.Bearing))
		row[5] = fmt.Sprintf("%.1f°", rng.Elevation)
	}
	if row[6] == "" {
		row[6] = "-"
	}
	switch {
	case p.Prediction != nil && len(p.Prediction.PredLanding) == 3:
		row[7] = fmt.Sprintf("%.4f, %.4f", p.Prediction.PredLanding[0], p.Prediction.PredLanding[1])
	case p.Status != "":
		row[7] = p.Status
	}
	return row
}

func formatDistance(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.1f km", m/1000)
}

// updateTelemetry updates the telemetry panel content
func (a *App) updateTelemetry() {
	a.mu.Lock()
	selected := a.selected
	a.mu.Unlock()

	var b strings.Builder
	if p, ok := a.state.Payload(selected); ok {
		t := p.Telemetry
		fmt.Fprintf(&b, "[yellow]PAYLOAD:[-] [white]%s[-]\n", selected)
		fmt.Fprintf(&b, "[gray]Pos:[-]  [white]%.5f, %.5f[-]\n", t.Position[0], t.Position[1])
		fmt.Fprintf(&b, "[gray]Alt:[-]  [white]%.0f m[-]  [gray]Vel:[-] [white]%+.1f m/s[-]\n", t.Position[2], t.VelV)
		fmt.Fprintf(&b, "[gray]Time:[-] [white]%s[-]  [gray]TTL:[-] [white]%s[-]\n", t.ShortTime, t.TimeToLanding)
		if p.Prediction != nil {
			fmt.Fprintf(&b, "[gray]Dataset:[-] [white]%s[-]\n", p.Prediction.Dataset)
			if len(p.Prediction.Burst) == 3 {
				fmt.Fprintf(&b, "[gray]Burst:[-] [white]%.0f m[-]\n", p.Prediction.Burst[2])
			}
		}
	} else {
		b.WriteString("[gray]No payload selected[-]\n")
	}

	b.WriteString("\n")
	if car, ok := a.state.Car(); ok {
		fmt.Fprintf(&b, "[yellow]CAR:[-] [white]%.5f, %.5f[-]\n", car.Position[0], car.Position[1])
		heading := "---"
		if car.HeadingValid {
			heading = fmt.Sprintf("%03.0f°", car.Heading)
		}
		fmt.Fprintf(&b, "[gray]Spd:[-]  [white]%.1f km/h[-]  [gray]Hdg:[-] [white]%s[-]\n", car.Speed*3.6, heading)
	} else {
		b.WriteString("[yellow]CAR:[-] [red]No position[-]\n")
	}

	b.WriteString("\n")
	settings := a.state.Settings()
	predictor := "[red]OFF[-]"
	if settings.PredictorEnabled {
		predictor = "[green]ON[-]"
	}
	fmt.Fprintf(&b, "[yellow]PREDICTOR:[-] %s [white]%s[-]\n", predictor, a.state.Model())
	fmt.Fprintf(&b, "[gray]Descent:[-] [white]%.1f m/s[-]  [gray]Burst:[-] [white]%.0f m[-]\n",
		settings.DescentRate, settings.BurstAltitude)
	fmt.Fprintf(&b, "[gray]Bearings:[-] [white]%d[-]\n", len(a.state.Bearings()))
	fmt.Fprintf(&b, "[gray]Time:[-] [white]%s[-]\n", time.Now().UTC().Format("15:04:05Z"))

	a.telemetry.SetText(b.String())
}
