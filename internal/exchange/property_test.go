package exchange_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/memstore"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"pgregory.net/rapid"
)

func TestLedgerInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := memstore.New()
		for _, sym := range []string{"USDT", "BTC", "ETH"} {
			if _, err := store.CreateCoin(ctx, sym, sym, d("1"), d("0")); err != nil {
				t.Fatalf("create coin: %v", err)
			}
		}
		ex := exchange.NewExchange(store, exchange.WithClock(steppingClock(time.Unix(0, 0))))

		users := []int64{1, 2, 3}
		symbols := []string{"USDT", "BTC", "ETH"}
		amounts := []string{"0.5", "1", "2", "3"}
		prices := []string{"1", "2", "0.5"}

		seen := map[int64]string{}
		var placed []int64

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			switch rapid.IntRange(0, 3).Draw(t, "action") {
			case 0:
				_, _ = ex.ApplyWalletTransaction(ctx, user, rapid.SampledFrom(symbols).Draw(t, "coin"),
					exchange.WalletDeposit, d(rapid.SampledFrom(amounts).Draw(t, "amount")))
			case 1:
				_, _ = ex.ApplyWalletTransaction(ctx, user, rapid.SampledFrom(symbols).Draw(t, "coin"),
					exchange.WalletWithdraw, d(rapid.SampledFrom(amounts).Draw(t, "amount")))
			case 2:
				base := rapid.SampledFrom(symbols[1:]).Draw(t, "base")
				res, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
					UserID: user,
					Base:   base,
					Quote:  rapid.SampledFrom([]string{"USDT", "BTC"}).Draw(t, "quote"),
					Side:   rapid.SampledFrom([]string{models.SideBuy, models.SideSell}).Draw(t, "side"),
					Price:  d(rapid.SampledFrom(prices).Draw(t, "price")),
					Amount: d(rapid.SampledFrom(amounts).Draw(t, "amount")),
				})
				if res != nil {
					placed = append(placed, res.Order.ID)
				} else if errors.Is(err, exchange.ErrInternal) {
					t.Logf("settlement aborted: %v", err)
				}
			case 3:
				if len(placed) > 0 {
					id := rapid.SampledFrom(placed).Draw(t, "order")
					_, _ = ex.CancelOrder(ctx, user, id)
				}
			}

			for _, u := range users {
				wallets, err := store.WalletsForUser(ctx, u)
				if err != nil {
					t.Fatalf("wallets: %v", err)
				}
				for _, w := range wallets {
					if w.Balance.IsNegative() {
						t.Fatalf("wallet %d of user %d is negative: %s", w.ID, u, w.Balance)
					}
				}
			}

			fulfilled := map[string]int{}
			for id := int64(1); ; id++ {
				o, err := store.OrderByID(ctx, id)
				if err != nil {
					break
				}
				if prev, ok := seen[id]; ok && prev != models.StatusOpen && prev != o.Status {
					t.Fatalf("order %d left terminal status %s for %s", id, prev, o.Status)
				}
				seen[id] = o.Status
				if o.Status == models.StatusFulfilled {
					fulfilled[o.Side]++
				}
			}
			if fulfilled[models.SideBuy] != fulfilled[models.SideSell] {
				t.Fatalf("unbalanced fills: %d buys, %d sells", fulfilled[models.SideBuy], fulfilled[models.SideSell])
			}
		}
	})
}
