package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/models"
)

func order(leg models.Leg, typ models.ActionType, price float64, vol int) models.OrderAction {
	return models.OrderAction{Option: 1, Role: models.RoleRegular, Leg: leg, Type: typ, Price: price, Volume: vol}
}

func TestPaperBroker_Lifecycle(t *testing.T) {
	p := NewPaperBroker(zerolog.Nop())

	var states []OrderEvent
	var fills []FillEvent
	p.OnOrderState(func(e OrderEvent) { states = append(states, e) })
	p.OnFill(func(f FillEvent) { fills = append(fills, f) })

	p.UpdateQuote(1, models.Quote{Bid: 100, Ask: 104})

	p.SendNew(order(models.BuyOpen, models.ActionNew, 101, 5))
	p.Drain()
	if len(states) != 1 || !states[0].State.Active || states[0].State.Price != 101 {
		t.Fatalf("states = %+v", states)
	}
	if p.Orders() != 1 {
		t.Fatalf("orders = %d", p.Orders())
	}

	p.Move(order(models.BuyOpen, models.ActionMove, 102, 3))
	p.Drain()
	if got := states[len(states)-1].State; got.Price != 102 || got.Volume != 3 {
		t.Fatalf("moved state = %+v", got)
	}

	// The market comes down to the order.
	p.UpdateQuote(1, models.Quote{Bid: 98, Ask: 102})
	p.Drain()
	if len(fills) != 1 {
		t.Fatalf("fills = %+v", fills)
	}
	if fills[0].Qty != 3 || fills[0].Position != 3 || fills[0].Signed() != 3 {
		t.Errorf("fill = %+v", fills[0])
	}
	if states[len(states)-1].State.Active {
		t.Error("filled leg should be reported inactive")
	}
	if p.Position(1) != 3 || p.Orders() != 0 {
		t.Errorf("position=%d orders=%d", p.Position(1), p.Orders())
	}
}

func TestPaperBroker_SellFillAndCancel(t *testing.T) {
	p := NewPaperBroker(zerolog.Nop())
	p.UpdateQuote(1, models.Quote{Bid: 100, Ask: 104})

	p.SendNew(order(models.SellOpen, models.ActionNew, 100, 2))
	if p.Position(1) != -2 {
		t.Fatalf("marketable sell should fill at once, position = %d", p.Position(1))
	}

	p.SendNew(order(models.SellOpen, models.ActionNew, 110, 2))
	p.Cancel(order(models.SellOpen, models.ActionCancel, 110, 2))
	if p.Orders() != 0 {
		t.Errorf("orders = %d", p.Orders())
	}
	if n := len(p.GetTrades()); n != 1 {
		t.Errorf("trades = %d", n)
	}

	p.Reset()
	if p.Position(1) != 0 || len(p.GetTrades()) != 0 {
		t.Error("reset should clear positions and trades")
	}
}

func TestPaperBroker_MovePair(t *testing.T) {
	p := NewPaperBroker(zerolog.Nop())
	p.SendNew(order(models.BuyOpen, models.ActionNew, 95, 1))
	p.SendNew(order(models.SellOpen, models.ActionNew, 110, 1))
	p.MovePair(order(models.BuyOpen, models.ActionMove, 96, 1), order(models.SellOpen, models.ActionMove, 108, 1))
	if p.Orders() != 2 {
		t.Errorf("orders = %d", p.Orders())
	}
}

func TestPaperBroker_RunDelivers(t *testing.T) {
	p := NewPaperBroker(zerolog.Nop())
	got := make(chan OrderEvent, 4)
	p.OnOrderState(func(e OrderEvent) { got <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SendNew(order(models.BuyOpen, models.ActionNew, 95, 1))
	select {
	case e := <-got:
		if !e.State.Active {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
