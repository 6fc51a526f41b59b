package arbiter

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"options-mm/internal/models"
)

// Property: after arbitration no dispatched New/Move buy is priced at or above
// any dispatched New/Move sell, nor at or above a sell left resting (and
// symmetrically for sells). An order is left resting when no action touches
// its leg or when a Move or Cancel of it was rejected.
func TestProperty_ArbiterNonCrossing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	a := New(zerolog.Nop())

	type spec struct {
		Role  int
		Leg   int
		Type  int
		Price int
	}
	genSpec := gen.Struct(reflect.TypeOf(spec{}), map[string]gopter.Gen{
		"Role":  gen.IntRange(0, len(models.AllRoles)-1),
		"Leg":   gen.IntRange(0, 3),
		"Type":  gen.IntRange(0, 2),
		"Price": gen.IntRange(90, 110),
	})

	properties.Property("dispatched set never crosses", prop.ForAll(
		func(specs []spec, restingOffsets []int) bool {
			types := []models.ActionType{models.ActionNew, models.ActionMove, models.ActionCancel}
			actions := make([]models.OrderAction, 0, len(specs))
			for _, s := range specs {
				actions = append(actions, models.OrderAction{
					Option: 1,
					Role:   models.AllRoles[s.Role],
					Leg:    models.Leg(s.Leg),
					Type:   types[s.Type],
					Price:  float64(s.Price),
					Volume: 1,
				})
			}

			resting := make(map[models.Role]models.LegOrders)
			// The resting book itself never crosses: buys below 100, sells above.
			for i, off := range restingOffsets {
				role := models.AllRoles[i%len(models.AllRoles)]
				leg := models.Leg(i / len(models.AllRoles) % 4)
				price := float64(99 - off)
				if leg.Side() == models.SideSell {
					price = float64(101 + off)
				}
				orders := resting[role]
				orders[leg] = models.OrderState{Active: true, Price: price, Volume: 1}
				resting[role] = orders
			}

			res := a.Arbitrate(actions, resting, nil)

			touched := map[legKey]bool{}
			for _, act := range actions {
				touched[legKey{act.Role, act.Leg}] = true
			}
			stays := map[legKey]bool{}
			for _, r := range res.Rejected {
				if r.Type != models.ActionNew {
					stays[legKey{r.Role, r.Leg}] = true
				}
			}
			var buys, sells []float64
			for role, orders := range resting {
				for _, l := range models.Legs {
					k := legKey{role, l}
					if orders[l].Active && (!touched[k] || stays[k]) {
						if l.Side() == models.SideBuy {
							buys = append(buys, orders[l].Price)
						} else {
							sells = append(sells, orders[l].Price)
						}
					}
				}
			}
			for _, act := range res.Ordered() {
				if act.Type == models.ActionCancel {
					continue
				}
				if act.Side() == models.SideBuy {
					buys = append(buys, act.Price)
				} else {
					sells = append(sells, act.Price)
				}
			}

			accepted := res.Len()
			for _, b := range buys {
				for _, s := range sells {
					if b >= s {
						t.Logf("buy %v crosses sell %v (%d accepted)", b, s, accepted)
						return false
					}
				}
			}
			return accepted+len(res.Rejected) == len(actions)
		},
		gen.SliceOfN(12, genSpec),
		gen.SliceOfN(16, gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
