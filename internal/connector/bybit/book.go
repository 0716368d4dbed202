package bybit

import (
	"sort"
	"strconv"
	"time"

	"markethub/models"
)

// localBook maintains one symbol's depth from a snapshot plus deltas. A
// delta level with size zero removes the level. Callers synchronize access.
type localBook struct {
	bids     map[float64]float64
	asks     map[float64]float64
	updateID int64
}

func newLocalBook() *localBook {
	return &localBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

func (b *localBook) applySnapshot(bids, asks [][]string, updateID int64) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.updateID = updateID
}

func (b *localBook) applyDelta(bids, asks [][]string, updateID int64) {
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.updateID = updateID
}

func applyLevels(side map[float64]float64, levels [][]string) {
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		price := parseFloat(level[0])
		size := parseFloat(level[1])
		if size == 0 {
			delete(side, price)
			continue
		}
		side[price] = size
	}
}

// snapshot renders the book as sorted levels, bids descending and asks
// ascending.
func (b *localBook) snapshot(symbol string) models.OrderBook {
	book := models.OrderBook{
		Exchange:     exchangeName,
		Symbol:       symbol,
		Bids:         sortLevels(b.bids, true),
		Asks:         sortLevels(b.asks, false),
		LastUpdateID: b.updateID,
		Timestamp:    time.Now(),
	}
	return book
}

func sortLevels(side map[float64]float64, descending bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for price, size := range side {
		out = append(out, models.PriceLevel{Price: price, Quantity: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
