package auction

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBuildListOptionsDefaults(t *testing.T) {
	opts := BuildListOptions(nil)
	if opts.Limit != 20 || opts.Order != SortByIDDesc {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	opts = BuildListOptions([]ListOption{WithLimit(10_000), WithOffset(-3), WithStatuses("open", "open", "")})
	if opts.Limit != 500 || opts.Offset != 0 {
		t.Fatalf("limit/offset not clamped: %+v", opts)
	}
	if len(opts.Statuses) != 1 || !opts.MatchStatus("open") || opts.MatchStatus("assigned") {
		t.Fatalf("unexpected status filter: %+v", opts.Statuses)
	}
}

func TestIDsAndPage(t *testing.T) {
	opts := BuildListOptions([]ListOption{WithOffset(1), WithLimit(2)})
	page := NewPage[uint64](opts)
	for id := range opts.IDs(5) {
		if !page.Add(id) {
			break
		}
	}
	if len(page.Items) != 2 || page.Items[0] != 4 || page.Items[1] != 3 {
		t.Fatalf("unexpected page: %v", page.Items)
	}

	asc := BuildListOptions([]ListOption{WithSortOrder(SortByIDAsc)})
	var ids []uint64
	for id := range asc.IDs(3) {
		ids = append(ids, id)
	}
	if len(ids) != 3 || ids[0] != 1 {
		t.Fatalf("unexpected ascending ids: %v", ids)
	}
	var none []uint64
	for id := range opts.IDs(0) {
		none = append(none, id)
	}
	if len(none) != 0 {
		t.Fatalf("expected no ids")
	}
}

func TestMatchOwner(t *testing.T) {
	owner := common.HexToAddress("0x01")
	opts := BuildListOptions([]ListOption{WithOwner(owner)})
	if !opts.MatchOwner(owner) || opts.MatchOwner(common.HexToAddress("0x02")) {
		t.Fatalf("owner filter mismatch")
	}
	if !BuildListOptions(nil).MatchOwner(common.HexToAddress("0x02")) {
		t.Fatalf("empty owner matches everything")
	}
}
