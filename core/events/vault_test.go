package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestCollateralRedeemedEvent(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	asset := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	evt := CollateralRedeemed{OpID: "op-1", From: from, To: to, Asset: asset, Amount: uint256.NewInt(42)}.Event()
	if evt.Type != TypeCollateralRedeemed {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["from"] != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("unexpected from attr: %s", evt.Attributes["from"])
	}
	if evt.Attributes["to"] != "0x00000000000000000000000000000000000000bb" {
		t.Fatalf("unexpected to attr: %s", evt.Attributes["to"])
	}
	if evt.Attributes["amount"] != "42" || evt.Attributes["opId"] != "op-1" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestDebtMintedNilAmount(t *testing.T) {
	evt := DebtMinted{}.Event()
	if evt.Attributes["amount"] != "0" {
		t.Fatalf("expected zero amount, got %s", evt.Attributes["amount"])
	}
	if _, ok := evt.Attributes["opId"]; ok {
		t.Fatalf("opId should be omitted when empty")
	}
}

func TestBufferKeepsNewest(t *testing.T) {
	buf := NewBuffer(2)
	for i := uint64(1); i <= 3; i++ {
		buf.Emit(DebtMinted{Amount: uint256.NewInt(i)})
	}
	recent := buf.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Attributes["amount"] != "2" || recent[1].Attributes["amount"] != "3" {
		t.Fatalf("unexpected order: %+v", recent)
	}
	recent[0].Attributes["amount"] = "mutated"
	if buf.Recent(1)[0].Attributes["amount"] != "3" {
		t.Fatalf("expected newest record when limited")
	}
	if buf.Recent(2)[0].Attributes["amount"] != "2" {
		t.Fatalf("buffer records must not be mutable through Recent")
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	buf := NewBuffer(4)
	Fanout{nil, NoopEmitter{}, buf}.Emit(DebtBurned{Amount: uint256.NewInt(7)})
	if len(buf.Recent(0)) != 1 {
		t.Fatalf("expected buffered event")
	}
}
