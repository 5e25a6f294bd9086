package sectorstore

import (
	"bytes"
	"testing"
)

func TestStubProverDeterministic(t *testing.T) {
	sealed := bytes.Repeat([]byte{0x33}, 300)
	var proverID [31]byte
	proverID[0] = 9

	job := SealJob{
		ProverID:    proverID,
		Ticket:      SealTicket{BlockHeight: 5, TicketBytes: [32]byte{1, 2, 3}},
		SealedBytes: sealed,
	}

	out1, err := StubProver{}.Seal(job)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := StubProver{}.Seal(job)
	if err != nil {
		t.Fatal(err)
	}

	if out1.CommR != out2.CommR || out1.CommD != out2.CommD || out1.CommRStar != out2.CommRStar {
		t.Fatal("expected identical input to produce identical output")
	}
}

func TestStubProverTicketSensitive(t *testing.T) {
	sealed := bytes.Repeat([]byte{0x44}, 300)
	var proverID [31]byte

	base := SealJob{ProverID: proverID, SealedBytes: sealed, Ticket: SealTicket{TicketBytes: [32]byte{1}}}
	variant := base
	variant.Ticket = SealTicket{TicketBytes: [32]byte{2}}

	out1, err := StubProver{}.Seal(base)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := StubProver{}.Seal(variant)
	if err != nil {
		t.Fatal(err)
	}

	if out1.CommR == out2.CommR {
		t.Fatal("expected different tickets to produce different CommR")
	}
	if out1.CommD != out2.CommD {
		t.Fatal("CommD is derived only from sealed bytes and should not depend on the ticket")
	}
}

func TestGeneratePoStDeterministic(t *testing.T) {
	commRs := [][32]byte{{1}, {2}}
	seed := [32]byte{9, 9, 9}

	out1, err := StubProver{}.GeneratePoSt(commRs, seed)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := StubProver{}.GeneratePoSt(commRs, seed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out1.Proof, out2.Proof) {
		t.Fatal("expected identical challenge/commRs to produce identical proof bytes")
	}
}
