package simulation

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/drblury/transitflow/internal/runtime/logging"
)

// ChaosAction is one kind of injected fault.
type ChaosAction string

const (
	// ChaosDriverDisconnect drops a driver's connection and restores it
	// after ChaosReconnectAfter.
	ChaosDriverDisconnect ChaosAction = "driverDisconnect"
	// ChaosPassengerReconnecting puts a passenger through a reconnect.
	ChaosPassengerReconnecting ChaosAction = "passengerReconnecting"
	// ChaosLoadSpike makes a driver send a burst of passenger count updates.
	ChaosLoadSpike ChaosAction = "loadSpike"
	// ChaosNetworkCongestion only writes a log marker.
	ChaosNetworkCongestion ChaosAction = "networkCongestion"
)

// ChaosActions lists every action the chaos loop picks from.
var ChaosActions = []ChaosAction{
	ChaosDriverDisconnect,
	ChaosPassengerReconnecting,
	ChaosLoadSpike,
	ChaosNetworkCongestion,
}

func (h *Harness) chaosTick(ctx context.Context) {
	h.TriggerChaos(ctx, ChaosActions[h.intN(len(ChaosActions))])
}

// TriggerChaos runs action against a randomly chosen entity and returns the
// action that ran. Actions without a target fall back to the congestion
// marker. Nothing runs when the simulation is not running.
func (h *Harness) TriggerChaos(ctx context.Context, action ChaosAction) ChaosAction {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ""
	}
	loopCtx := h.loopCtx
	driverIDs := slices.Sorted(maps.Keys(h.drivers))
	passengerIDs := slices.Sorted(maps.Keys(h.passengers))
	h.mu.Unlock()

	switch action {
	case ChaosDriverDisconnect, ChaosLoadSpike:
		if len(driverIDs) == 0 {
			action = ChaosNetworkCongestion
		}
	case ChaosPassengerReconnecting:
		if len(passengerIDs) == 0 {
			action = ChaosNetworkCongestion
		}
	default:
		action = ChaosNetworkCongestion
	}

	switch action {
	case ChaosDriverDisconnect:
		id := driverIDs[h.intN(len(driverIDs))]
		if d, ok := h.Driver(id); ok {
			h.log.Info("Chaos: disconnecting driver", logging.LogFields{"client_id": id})
			d.Disconnect(ctx)
			h.afterDelay(loopCtx, h.cfg.Simulation.ChaosReconnectAfter, func() {
				if d.Reconnect(loopCtx) {
					h.log.Info("Chaos: driver reconnected", logging.LogFields{"client_id": id})
				}
			})
		}
	case ChaosPassengerReconnecting:
		id := passengerIDs[h.intN(len(passengerIDs))]
		if p, ok := h.Passenger(id); ok {
			h.log.Info("Chaos: passenger reconnecting", logging.LogFields{"client_id": id})
			p.SimulateReconnecting(ctx)
		}
	case ChaosLoadSpike:
		id := driverIDs[h.intN(len(driverIDs))]
		if d, ok := h.Driver(id); ok {
			sent := d.BurstPassengerUpdates(ctx, h.cfg.Simulation.LoadSpikeUpdates)
			h.log.Info("Chaos: load spike", logging.LogFields{"client_id": id, "updates": sent})
		}
	case ChaosNetworkCongestion:
		h.log.Warn("Chaos: network congestion", logging.LogFields{"connected": h.conn.ConnectedCount()})
	}

	h.mu.Lock()
	h.chaos[action]++
	h.mu.Unlock()
	return action
}

// afterDelay runs fn once d has passed unless ctx ends first.
func (h *Harness) afterDelay(ctx context.Context, d time.Duration, fn func()) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.wg.Done()
		if sleep(ctx, d) {
			fn()
		}
	}()
}
