// Bearing Scope
// Polar display of the chase server's bearings, with o'clock bearing entry
// sent to the server's UDP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/balloon-chase/internal/client"
	"github.com/unklstewy/balloon-chase/internal/logging"
	"github.com/unklstewy/balloon-chase/pkg/bearings"
)

// BearingSender sends clock-position bearings.
type BearingSender interface {
	SendOClock(hour int) (float64, error)
}

// eventMsg carries a server event into the update loop.
type eventMsg client.Event

// disconnectedMsg reports the end of the event stream.
type disconnectedMsg struct{ err error }

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	state     *client.State
	sender    BearingSender
	server    string
	width     int
	height    int
	headingUp bool
	lastSent  string
	connected bool
	err       error
	now       time.Time
}

func newModel(state *client.State, sender BearingSender, server string) model {
	return model{
		state:     state,
		sender:    sender,
		server:    server,
		width:     100,
		height:    40,
		headingUp: true,
		connected: server != "",
		now:       time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

// keyToOClock maps the keys 1-9, 0, - and = to clock positions 1-12.
func keyToOClock(key string) (int, bool) {
	switch key {
	case "0":
		return 10, true
	case "-":
		return 11, true
	case "=":
		return 12, true
	}
	if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
		return int(key[0] - '0'), true
	}
	return 0, false
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		key := msg.String()
		if hour, ok := keyToOClock(key); ok {
			bearing, err := m.sender.SendOClock(hour)
			if err != nil {
				m.err = err
				return m, nil
			}
			m.err = nil
			m.lastSent = fmt.Sprintf("%d o'clock (%.0f° relative)", hour, bearing)
			return m, nil
		}
		switch key {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "h":
			m.headingUp = !m.headingUp
		}

	case eventMsg:
		if err := m.state.Apply(client.Event(msg)); err != nil {
			m.err = err
		}

	case disconnectedMsg:
		m.connected = false
		m.err = msg.err

	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	b.WriteString(headerStyle.Render("BEARING SCOPE"))
	b.WriteString("  ")
	switch {
	case m.server == "":
		b.WriteString(helpStyle.Render("send only"))
	case m.connected:
		b.WriteString(helpStyle.Render("connected to " + m.server))
	default:
		b.WriteString(errStyle.Render("disconnected from " + m.server))
	}
	b.WriteString("\n")

	heading, headingValid := 0.0, false
	if car, ok := m.state.Car(); ok && car.HeadingValid {
		heading, headingValid = car.Heading, true
	}
	view := scopeView{
		Bearings:  m.state.Bearings(),
		Heading:   heading,
		HeadingUp: m.headingUp && headingValid,
		Now:       m.now,
		MaxAge:    time.Duration(m.state.Settings().MaxBearingAge * float64(time.Minute)),
	}
	b.WriteString(renderScope(m.width, m.height-5, view))
	b.WriteString("\n")

	orientation := "north up"
	if view.HeadingUp {
		orientation = fmt.Sprintf("heading up (%03.0f°)", heading)
	}
	fmt.Fprintf(&b, "%s  bearings: %d", orientation, len(view.Bearings))
	if n := len(view.Bearings); n > 0 {
		fmt.Fprintf(&b, "  latest: %s", describeBearing(view.Bearings[n-1]))
	}
	b.WriteString("\n")
	if m.lastSent != "" {
		b.WriteString("sent " + m.lastSent + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString(helpStyle.Render("1-9,0,-,=: o'clock bearing  h: heading/north up  q: quit"))
	return b.String()
}

func describeBearing(r bearings.Record) string {
	return fmt.Sprintf("%03.0f° true (%s)", r.TrueBearing, r.Source)
}

func main() {
	server := flag.String("server", "localhost:5001", "Chase server address for the bearing display; empty to only send")
	udpHost := flag.String("udp-host", "127.0.0.1", "Chase server UDP host")
	udpPort := flag.Int("udp-port", 55672, "Chase server UDP port")
	source := flag.String("source", DefaultSource, "Source name attached to sent bearings")
	flag.Parse()

	sender, err := NewSender(net.JoinHostPort(*udpHost, strconv.Itoa(*udpPort)), *source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sender.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := client.NewState(0)
	var conn *client.Client
	if *server != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err = client.Dial(dialCtx, *server, logging.Discard())
		dialCancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()
	}

	p := tea.NewProgram(newModel(state, sender, *server), tea.WithAltScreen())
	if conn != nil {
		go func() {
			err := conn.Run(ctx, func(ev client.Event) { p.Send(eventMsg(ev)) })
			p.Send(disconnectedMsg{err: err})
		}()
	}

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
