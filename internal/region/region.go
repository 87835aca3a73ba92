package region

import (
	"math"
	"sync"

	"github.com/protohackers/speed-server/internal/metrics"
)

// ticketBufSize is the bounded capacity of each dispatcher's ticket
// channel; per §4.3.3 "small bounded capacity is acceptable" since any
// send failure just means that subscriber is treated as gone.
const ticketBufSize = 16

// observationQueueSize bounds the Region's intake of observations and
// candidates. A genuinely unbounded channel isn't representable in Go, so
// a large buffer stands in for "unbounded in intent": observations are
// idempotent per (plate, road, ts), so a drop under sustained overload
// only delays or misses a ticket, never corrupts state (§7, "internal
// command drop").
const observationQueueSize = 4096

type observation struct {
	camera    Camera
	plate     string
	timestamp Timestamp
}

type registration struct {
	dispatcher Dispatcher
	resp       chan<- (<-chan Ticket)
}

// Region is the single bookkeeper for observations, issued-day sets,
// pending tickets, and dispatcher subscriptions. Each of those three
// state collections is owned by exactly one goroutine (Observer,
// Assessor, dispatch manager below), communicating over channels; no
// mutex guards Region state directly.
type Region struct {
	obsCh       chan observation
	candidateCh chan Ticket
	confirmedCh chan Ticket
	registerCh  chan registration

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New starts a Region's three background goroutines and returns it ready
// to accept commands.
func New() *Region {
	r := &Region{
		obsCh:       make(chan observation, observationQueueSize),
		candidateCh: make(chan Ticket, observationQueueSize),
		confirmedCh: make(chan Ticket, observationQueueSize),
		registerCh:  make(chan registration),
		done:        make(chan struct{}),
	}
	r.wg.Add(3)
	go r.observe()
	go r.assess()
	go r.dispatchManager()
	return r
}

// Close stops the Region's background goroutines. Safe to call once; a
// live Region otherwise runs for the process lifetime.
func (r *Region) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// RecordPlate is a fire-and-forget command: it enqueues an observation for
// the Observer goroutine. If the queue is full the observation is dropped
// and counted, per §7's "internal command drop" semantics.
func (r *Region) RecordPlate(camera Camera, plate string, timestamp Timestamp) {
	select {
	case r.obsCh <- observation{camera, plate, timestamp}:
	default:
		metrics.IncRegionCommandDropped()
	}
}

// RegisterDispatcher registers a dispatcher's road set and returns the
// channel it will receive tickets on, having already drained any tickets
// that were buffered for its roads while no dispatcher was subscribed for
// them.
func (r *Region) RegisterDispatcher(d Dispatcher) <-chan Ticket {
	resp := make(chan (<-chan Ticket), 1)
	select {
	case r.registerCh <- registration{dispatcher: d, resp: resp}:
	case <-r.done:
		ch := make(chan Ticket)
		close(ch)
		return ch
	}
	return <-resp
}

// observe is the Observer sub-task: the single writer of the observation
// log (records). It inserts each observation, computes a candidate ticket
// per the frozen neighbor tie-break of §4.3.1 when the math calls for one,
// and forwards candidates to the Assessor.
func (r *Region) observe() {
	defer r.wg.Done()
	records := map[string]map[Road]*timeline{} // plate -> road -> timeline
	for {
		select {
		case obs := <-r.obsCh:
			r.observeOne(records, obs)
		case <-r.done:
			return
		}
	}
}

func (r *Region) observeOne(records map[string]map[Road]*timeline, obs observation) {
	byRoad, ok := records[obs.plate]
	if !ok {
		byRoad = map[Road]*timeline{}
		records[obs.plate] = byRoad
	}
	tl, ok := byRoad[obs.camera.Road]
	if !ok {
		tl = &timeline{}
		byRoad[obs.camera.Road] = tl
	}
	inserted, neighborTs, neighborMile, hasNeighbor := tl.insert(obs.timestamp, obs.camera.Mile)
	if !inserted {
		metrics.IncObservationDuplicate()
		return
	}
	metrics.IncObservationRecorded()
	if !hasNeighbor {
		return
	}
	candidate, ok := computeTicket(obs.camera, obs.plate, obs.timestamp, neighborTs, neighborMile)
	if !ok {
		return
	}
	metrics.IncCandidateViolation()
	select {
	case r.candidateCh <- candidate:
	case <-r.done:
	}
}

// computeTicket evaluates one pair of camera sightings and returns a
// candidate ticket iff the implied speed strictly exceeds the limit.
// Endpoints are ordered by time regardless of which sighting was recorded
// first, per §3's Ticket invariant.
func computeTicket(camera Camera, plate string, now, then Timestamp, there Mile) (Ticket, bool) {
	var ts1, ts2 Timestamp
	var mile1, mile2 Mile
	if then < now {
		ts1, mile1, ts2, mile2 = then, there, now, camera.Mile
	} else {
		ts1, mile1, ts2, mile2 = now, camera.Mile, then, there
	}
	deltaMiles := math.Abs(float64(mile2) - float64(mile1))
	deltaHours := float64(ts2-ts1) / 3600.0
	if deltaHours == 0 {
		return Ticket{}, false
	}
	speed := deltaMiles / deltaHours
	if speed <= float64(camera.Limit) {
		return Ticket{}, false
	}
	return Ticket{
		Plate:      plate,
		Road:       camera.Road,
		Mile1:      mile1,
		Timestamp1: ts1,
		Mile2:      mile2,
		Timestamp2: ts2,
		Speed:      Speed(math.Round(speed * 100)),
	}, true
}

// assess is the Assessor sub-task: the single writer of issued-day sets.
// A candidate is emitted iff none of the days it spans have already been
// ticketed for that plate; if emitted, all those days are inserted
// atomically with respect to other candidates, because this goroutine is
// their only writer (§4.3.2, and §9's "first to the assessor wins" freeze
// of the concurrent-dedup open question).
func (r *Region) assess() {
	defer r.wg.Done()
	issuedDays := map[string]map[Day]struct{}{} // plate -> day -> issued
	for {
		select {
		case candidate := <-r.candidateCh:
			r.assessOne(issuedDays, candidate)
		case <-r.done:
			return
		}
	}
}

func (r *Region) assessOne(issuedDays map[string]map[Day]struct{}, candidate Ticket) {
	days, ok := issuedDays[candidate.Plate]
	if !ok {
		days = map[Day]struct{}{}
		issuedDays[candidate.Plate] = days
	}
	for d := candidate.firstDay(); d <= candidate.lastDay(); d++ {
		if _, issued := days[d]; issued {
			metrics.IncTicketSuppressed()
			return
		}
	}
	for d := candidate.firstDay(); d <= candidate.lastDay(); d++ {
		days[d] = struct{}{}
	}
	select {
	case r.confirmedCh <- candidate:
	case <-r.done:
		return
	}
	metrics.IncTicketEmitted()
}

// dispatchManager is the third sub-task: the single writer of pending
// ticket FIFOs and dispatcher subscription lists, per §4.3.3.
func (r *Region) dispatchManager() {
	defer r.wg.Done()
	pending := map[Road][]Ticket{}
	dispatchers := map[Road][]chan Ticket{}
	for {
		select {
		case ticket := <-r.confirmedCh:
			route(pending, dispatchers, ticket)
			setBufferedGauge(pending)
		case reg := <-r.registerCh:
			ch := register(pending, dispatchers, reg.dispatcher)
			setBufferedGauge(pending)
			reg.resp <- ch
		case <-r.done:
			return
		}
	}
}

// route delivers ticket to a subscriber of its road, round-robin, or
// buffers it if none succeeds. See §4.3.3.
func route(pending map[Road][]Ticket, dispatchers map[Road][]chan Ticket, ticket Ticket) {
	subs := dispatchers[ticket.Road]
	delivered := false
	for len(subs) > 0 {
		front := subs[0]
		rest := subs[1:]
		select {
		case front <- ticket:
			subs = append(append([]chan Ticket{}, rest...), front) // rotate to back
			delivered = true
		default:
			metrics.IncSubscriberEvicted()
			subs = rest // discard; try the next subscriber for this same ticket
			continue
		}
		break
	}
	if len(subs) == 0 {
		delete(dispatchers, ticket.Road)
	} else {
		dispatchers[ticket.Road] = subs
	}
	if delivered {
		metrics.IncTicketDelivered()
		return
	}
	pending[ticket.Road] = append(pending[ticket.Road], ticket)
}

// register creates a new subscriber channel for d, drains any tickets
// pending for d's roads into it in FIFO order, then adds it to each
// road's subscriber list. See §4.3.3.
func register(pending map[Road][]Ticket, dispatchers map[Road][]chan Ticket, d Dispatcher) <-chan Ticket {
	ch := make(chan Ticket, ticketBufSize)
	for _, road := range d.Roads {
		queue := pending[road]
		drained := 0
		for _, t := range queue {
			select {
			case ch <- t:
				drained++
				metrics.IncTicketDelivered()
			default:
				// Buffer exhausted: stop draining, leave the rest (including
				// this one) buffered in FIFO order.
				goto doneRoad
			}
		}
	doneRoad:
		if drained == len(queue) {
			delete(pending, road)
		} else {
			pending[road] = queue[drained:]
		}
	}
	for _, road := range d.Roads {
		dispatchers[road] = append(dispatchers[road], ch)
	}
	return ch
}

func setBufferedGauge(pending map[Road][]Ticket) {
	total := 0
	for _, q := range pending {
		total += len(q)
	}
	metrics.SetTicketsBuffered(total)
}
