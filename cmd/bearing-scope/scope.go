package main

import (
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/balloon-chase/pkg/bearings"
	"github.com/unklstewy/balloon-chase/pkg/geodesy"
)

// Terminal characters are roughly twice as tall as they are wide
const aspectRatio = 0.5

// Cell colors, indexed by cellKind
type cellKind int

const (
	cellEmpty cellKind = iota
	cellRing
	cellCardinal
	cellCentre
	cellOld
	cellRecent
	cellLatest
)

var cellStyles = map[cellKind]lipgloss.Style{
	cellRing:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	cellCardinal: lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Bold(true),
	cellCentre:   lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
	cellOld:      lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
	cellRecent:   lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	cellLatest:   lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
}

// scopeGrid is a character canvas with a color per cell.
type scopeGrid struct {
	w, h  int
	runes [][]rune
	kinds [][]cellKind
}

func newScopeGrid(w, h int) *scopeGrid {
	g := &scopeGrid{w: w, h: h, runes: make([][]rune, h), kinds: make([][]cellKind, h)}
	for y := range g.runes {
		g.runes[y] = []rune(strings.Repeat(" ", w))
		g.kinds[y] = make([]cellKind, w)
	}
	return g
}

// set draws r at (x, y) unless a higher ranked kind is already there.
func (g *scopeGrid) set(x, y int, r rune, k cellKind) {
	if y < 0 || y >= g.h || x < 0 || x >= g.w {
		return
	}
	if g.kinds[y][x] > k {
		return
	}
	g.runes[y][x] = r
	g.kinds[y][x] = k
}

// scopeView holds what the scope draws.
type scopeView struct {
	Bearings  []bearings.Record
	Heading   float64
	HeadingUp bool
	Now       time.Time
	MaxAge    time.Duration
}

// screenAngle is the angle from screen-up for a true bearing.
func (v scopeView) screenAngle(trueBearing float64) float64 {
	if v.HeadingUp {
		return geodesy.NormalizeAzimuth(trueBearing - v.Heading)
	}
	return geodesy.NormalizeAzimuth(trueBearing)
}

// kindFor grades a bearing by age. The newest bearing is always cellLatest.
func (v scopeView) kindFor(i int, rec bearings.Record) cellKind {
	if i == len(v.Bearings)-1 {
		return cellLatest
	}
	if v.MaxAge > 0 && v.Now.Sub(rec.ArrivalTime) > v.MaxAge/2 {
		return cellOld
	}
	return cellRecent
}

// renderScope draws a polar plot of bearings from the chase car, which sits
// at the centre. Range rings are decorative; bearings carry no distance.
func renderScope(width, height int, v scopeView) string {
	if width < 20 {
		width = 20
	}
	if height < 10 {
		height = 10
	}
	g := newScopeGrid(width-2, height)
	cx, cy := g.w/2, g.h/2

	radius := float64(g.h/2 - 1)
	if rx := float64(g.w/2-2) * aspectRatio; rx < radius {
		radius = rx
	}

	for _, frac := range []float64{1.0 / 3, 2.0 / 3, 1} {
		drawCircle(g, cx, cy, int(radius*frac))
	}

	for i, rec := range v.Bearings {
		drawRay(g, cx, cy, radius, v.screenAngle(rec.TrueBearing), v.kindFor(i, rec))
	}

	// Labels go on last so rays never hide them
	for _, c := range []struct {
		bearing float64
		label   rune
	}{{0, 'N'}, {90, 'E'}, {180, 'S'}, {270, 'W'}} {
		x, y := polarToScreen(cx, cy, radius+1, v.screenAngle(c.bearing))
		g.set(x, y, c.label, cellCardinal)
	}
	g.set(cx, cy, '◉', cellCentre)

	border := cellStyles[cellRing]
	var b strings.Builder
	b.WriteString(border.Render("┌" + strings.Repeat("─", g.w) + "┐"))
	b.WriteString("\n")
	for y := 0; y < g.h; y++ {
		b.WriteString(border.Render("│"))
		for x := 0; x < g.w; x++ {
			r := string(g.runes[y][x])
			if style, ok := cellStyles[g.kinds[y][x]]; ok {
				r = style.Render(r)
			}
			b.WriteString(r)
		}
		b.WriteString(border.Render("│"))
		b.WriteString("\n")
	}
	b.WriteString(border.Render("└" + strings.Repeat("─", g.w) + "┘"))
	return b.String()
}

// polarToScreen converts a distance in rows and an angle from screen-up to
// grid coordinates.
func polarToScreen(cx, cy int, dist, angleDeg float64) (int, int) {
	rad := angleDeg * geodesy.DegreesToRadians
	dx := int(math.Round(dist * math.Sin(rad) / aspectRatio))
	dy := -int(math.Round(dist * math.Cos(rad)))
	return cx + dx, cy + dy
}

// drawRay draws a bearing line from the centre out to radius.
func drawRay(g *scopeGrid, cx, cy int, radius, angleDeg float64, k cellKind) {
	steps := int(radius / aspectRatio)
	for i := 1; i <= steps; i++ {
		x, y := polarToScreen(cx, cy, radius*float64(i)/float64(steps), angleDeg)
		r := '·'
		if i == steps {
			r = '•'
		}
		g.set(x, y, r, k)
	}
}

// drawCircle draws a circle using Bresenham's circle algorithm with the X
// axis stretched for character aspect.
func drawCircle(g *scopeGrid, cx, cy, radius int) {
	x := radius
	y := 0
	err := 0

	for x >= y {
		xs := int(float64(x) / aspectRatio)
		ys := int(float64(y) / aspectRatio)

		g.set(cx+xs, cy+y, '─', cellRing)
		g.set(cx+ys, cy+x, '─', cellRing)
		g.set(cx-ys, cy+x, '─', cellRing)
		g.set(cx-xs, cy+y, '─', cellRing)
		g.set(cx-xs, cy-y, '─', cellRing)
		g.set(cx-ys, cy-x, '─', cellRing)
		g.set(cx+ys, cy-x, '─', cellRing)
		g.set(cx+xs, cy-y, '─', cellRing)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}
