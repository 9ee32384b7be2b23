package state

// Category classifies the domain events a protocol session can subscribe to.
type Category int

const (
	CatNode Category = iota
	CatSource
	CatDestination
	CatGpi
	CatGpo
	CatSilence
	CatClip
	CatTether
)

func (c Category) String() string {
	switch c {
	case CatNode:
		return "node"
	case CatSource:
		return "source"
	case CatDestination:
		return "destination"
	case CatGpi:
		return "gpi"
	case CatGpo:
		return "gpo"
	case CatSilence:
		return "silence"
	case CatClip:
		return "clip"
	case CatTether:
		return "tether"
	}
	return "unknown"
}

type EventKind int

const (
	KindAdd EventKind = iota
	KindDel
	KindChange
)

// Notification is a unified state-change record fanned out from the router
// registry to subscribed protocol sessions.
type Notification struct {
	Category Category
	Kind     EventKind
	MatrixId int
	Node     Node
	Slot     int

	Source      *Source
	Destination *Destination
	Gpi         *GpioBundle
	Gpo         *Gpo

	// Meter alarms.
	Channel     int
	AlarmActive bool

	TetherActive bool
}
