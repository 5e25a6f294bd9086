package sectorstore

import (
	"bytes"
	"testing"
)

func TestFileStoreWriteAndReadRaw(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root+"/staged", root+"/sealed", 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	access, err := store.NewStagingSectorAccess()
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0x11}, 200)
	written, commP, err := store.WriteAndPreprocess(access, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if written != uint64(len(payload)) {
		t.Fatalf("reported %d logical bytes written, want %d", written, len(payload))
	}
	if commP == [32]byte{} {
		t.Fatal("expected a non-zero commitment")
	}

	raw, err := store.ReadRaw(access, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("expected some padded bytes back")
	}
}

func TestFileStoreSeal(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root+"/staged", root+"/sealed", 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	access, err := store.NewStagingSectorAccess()
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0x22}, 300)
	if _, _, err := store.WriteAndPreprocess(access, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}

	var proverID [31]byte
	out, err := store.Seal(StubProver{}, access, access+".sealed", proverID, []PieceInfo{
		{Key: "p1", NumBytes: uint64(len(payload))},
	}, SealTicket{BlockHeight: 1})
	if err != nil {
		t.Fatal(err)
	}
	if out.CommR == [32]byte{} {
		t.Fatal("expected a non-zero CommR")
	}
	if out.CommD == [32]byte{} {
		t.Fatal("expected a non-zero CommD")
	}
}
