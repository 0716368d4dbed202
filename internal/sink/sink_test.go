package sink

import (
	"strings"
	"testing"
	"time"

	appconfig "markethub/config"
	"markethub/models"
)

func TestFlattenTicker(t *testing.T) {
	update := models.TickerUpdate(models.Ticker{
		Exchange: "binance", Symbol: "BTCUSDT",
		Bid: 99, BidSize: 2, Ask: 101, AskSize: 3, Last: 100,
		Timestamp: time.Now(),
	})

	rows := flatten(update)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for a ticker, got %d", len(rows))
	}
	fields := map[string]float64{}
	for _, row := range rows {
		fields[row.Field] = row.Price
	}
	if fields["bid"] != 99 || fields["ask"] != 101 || fields["last"] != 100 {
		t.Errorf("unexpected flattened fields: %v", fields)
	}
}

func TestFlattenOrderBookLevels(t *testing.T) {
	update := models.OrderBookUpdate(models.OrderBook{
		Exchange: "binance", Symbol: "BTCUSDT",
		Bids:      []models.PriceLevel{{Price: 99, Quantity: 1}, {Price: 98, Quantity: 2}},
		Asks:      []models.PriceLevel{{Price: 101, Quantity: 1}},
		Timestamp: time.Now(),
	})

	rows := flatten(update)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Level != 1 || rows[1].Level != 2 {
		t.Errorf("bid levels not numbered: %+v", rows[:2])
	}
}

func TestFlattenSkipsAccountChannels(t *testing.T) {
	update := models.BalancesUpdate(models.BalanceSet{
		Exchange: "binance",
		Balances: []models.Balance{{Asset: "BTC", Free: 1}},
	})
	if rows := flatten(update); rows != nil {
		t.Errorf("account channel should not be persisted: %+v", rows)
	}
}

func TestBuildParquet(t *testing.T) {
	rows := []marketRecord{
		{Exchange: "binance", Symbol: "BTCUSDT", Channel: "ticker", Field: "last", Price: 100, Timestamp: time.Now().UnixMilli()},
		{Exchange: "binance", Symbol: "BTCUSDT", Channel: "trades", Field: "buy", Price: 100.5, Quantity: 0.1, Timestamp: time.Now().UnixMilli()},
	}

	data, err := buildParquet(rows)
	if err != nil {
		t.Fatalf("buildParquet failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty parquet output")
	}
	// Parquet files end with the PAR1 magic.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("output does not look like a parquet file")
	}
}

func TestObjectKeyPartitions(t *testing.T) {
	s := &Sink{cfg: appconfig.S3Config{Prefix: "market"}}
	ts := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	key := s.objectKey("binance", "ticker", "BTCUSDT", ts)
	for _, part := range []string{
		"market/",
		"exchange=binance",
		"channel=ticker",
		"symbol=BTCUSDT",
		"year=2026/month=03/day=14/hour=15",
		".parquet",
	} {
		if !strings.Contains(key, part) {
			t.Errorf("key %q missing %q", key, part)
		}
	}
}
