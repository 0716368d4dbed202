package bybit

import (
	"testing"
)

func TestLocalBookSnapshotAndDelta(t *testing.T) {
	book := newLocalBook()
	book.applySnapshot(
		[][]string{{"100", "1"}, {"99", "2"}},
		[][]string{{"101", "1"}, {"102", "3"}},
		10,
	)

	snap := book.snapshot("BTCUSDT")
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 100 {
		t.Fatalf("bids not sorted descending: %+v", snap.Bids)
	}
	if len(snap.Asks) != 2 || snap.Asks[0].Price != 101 {
		t.Fatalf("asks not sorted ascending: %+v", snap.Asks)
	}

	// Delta: remove the 100 bid, add a 98 bid, change the 101 ask size.
	book.applyDelta(
		[][]string{{"100", "0"}, {"98", "5"}},
		[][]string{{"101", "2"}},
		11,
	)

	snap = book.snapshot("BTCUSDT")
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 99 || snap.Bids[1].Price != 98 {
		t.Errorf("delta not applied to bids: %+v", snap.Bids)
	}
	if snap.Asks[0].Quantity != 2 {
		t.Errorf("ask size not updated: %+v", snap.Asks)
	}
	if snap.LastUpdateID != 11 {
		t.Errorf("update id not advanced: %d", snap.LastUpdateID)
	}
}

func TestLocalBookSnapshotResets(t *testing.T) {
	book := newLocalBook()
	book.applySnapshot([][]string{{"100", "1"}}, nil, 1)
	book.applySnapshot([][]string{{"90", "1"}}, nil, 2)

	snap := book.snapshot("BTCUSDT")
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 90 {
		t.Errorf("snapshot should replace the book: %+v", snap.Bids)
	}
}
