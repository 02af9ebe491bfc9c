package bearings

import (
	"slices"
	"sync"
)

// Adapter corrects bearings reported by a particular direction-finding source
// before they are fused with the vehicle position.
type Adapter interface {
	Adapt(in Input) Input
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(in Input) Input

// Adapt calls f(in).
func (f AdapterFunc) Adapt(in Input) Input { return f(in) }

// KerberosSDRSource is the source tag sent by KerberosSDR receivers.
const KerberosSDRSource = "kerberos-sdr"

// KerberosSDR mirrors relative bearings from a KerberosSDR receiver, which
// reports angles counter-clockwise, and reverses the accompanying DOA array
// to match.
var KerberosSDR = AdapterFunc(func(in Input) Input {
	if in.BearingType != Relative {
		return in
	}
	in.Bearing = 360.0 - in.Bearing
	if in.RawDOA != nil {
		doa := slices.Clone(in.RawDOA)
		slices.Reverse(doa)
		in.RawDOA = doa
	}
	return in
})

var (
	adaptersMu sync.RWMutex
	adapters   = map[string]Adapter{
		KerberosSDRSource: KerberosSDR,
	}
)

// RegisterAdapter installs an adapter for a source tag, replacing any
// existing one. A nil adapter removes the entry.
func RegisterAdapter(source string, a Adapter) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	if a == nil {
		delete(adapters, source)
		return
	}
	adapters[source] = a
}

func adapterFor(source string) (Adapter, bool) {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	a, ok := adapters[source]
	return a, ok
}
