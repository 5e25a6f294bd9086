package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"

	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/mattn/go-isatty"
	getopt "github.com/pborman/getopt/v2"
	"github.com/pborman/options"
	"golang.org/x/xerrors"

	sb "github.com/filecoin-project/go-fil-sectorbuilder/sectorbuilder"
	"github.com/filecoin-project/go-fil-sectorbuilder/sectorstore"
)

const defaultSectorSize = uint64(1 << 20) // 1 MiB, small enough to seal quickly on a laptop

var opts = &struct {
	MetadataDir string       `getopt:"-m --metadata-dir  Directory holding the bbolt metadata database"`
	StagedDir   string       `getopt:"-s --staged-dir    Directory holding staged sector files"`
	SealedDir   string       `getopt:"-e --sealed-dir    Directory created for sealed sectors (sealed files are written beside staged ones)"`
	ProverID    string       `getopt:"-i --prover-id     Hex-encoded 31-byte prover id"`
	SectorSize  uint64       `getopt:"-z --sector-size   Maximum logical bytes per staged sector"`
	Help        options.Help `getopt:"-h --help          Display help"`
}{
	MetadataDir: "./sectorbuilder-data/meta",
	StagedDir:   "./sectorbuilder-data/staged",
	SealedDir:   "./sectorbuilder-data/sealed",
	ProverID:    "",
	SectorSize:  defaultSectorSize,
}

func main() {
	options.RegisterAndParse(opts)

	args := getopt.Args()
	if len(args) == 0 {
		log.Fatal("usage: sectorbuilder [flags] <add-piece|seal-all|status|read-piece|post> ...")
	}

	proverID, err := parseProverID(opts.ProverID)
	if err != nil {
		log.Fatal(err)
	}

	builder, err := sb.New(
		sb.Config{SectorSize: opts.SectorSize, MaxNumStagedSectors: 32, NumSealWorkers: 2},
		sectorstore.Config{MaxUnsealedBytesPerSector: opts.SectorSize},
		0,
		opts.MetadataDir,
		proverID,
		opts.SealedDir,
		opts.StagedDir,
	)
	if err != nil {
		log.Fatal(err)
	}
	defer builder.Close()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "add-piece":
		cmdAddPiece(builder, rest)
	case "seal-all":
		cmdSealAll(builder)
	case "status":
		cmdStatus(builder, rest)
	case "read-piece":
		cmdReadPiece(builder, rest)
	case "post":
		cmdPost(builder, rest)
	default:
		log.Fatalf("unknown subcommand %q", cmd)
	}
}

func cmdAddPiece(builder *sb.SectorBuilder, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: add-piece <key> [file|-]")
	}
	key := args[0]

	var r io.Reader = os.Stdin
	if len(args) >= 2 && args[1] != "-" {
		fh, err := os.Open(args[1])
		if err != nil {
			log.Fatal(err)
		}
		defer fh.Close()
		r = fh
	} else if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "reading piece from STDIN...")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		log.Fatal(err)
	}

	sectorID, err := builder.AddPiece(key, data)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "piece %q staged in sector %d\n", key, sectorID)
}

func cmdSealAll(builder *sb.SectorBuilder) {
	if err := builder.SealAllStagedSectors(sb.SealTicket{}); err != nil {
		log.Fatal(err)
	}
	fmt.Fprintln(os.Stderr, "seal jobs dispatched for every pending staged sector")
}

func cmdStatus(builder *sb.SectorBuilder, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: status <sector-id>")
	}
	var id uint64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		log.Fatalf("invalid sector id %q: %s", args[0], err)
	}
	fmt.Fprintf(os.Stderr, "sector %d: %s\n", id, builder.GetSealStatus(id))
}

func cmdReadPiece(builder *sb.SectorBuilder, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: read-piece <key>")
	}
	data, err := builder.RetrievePiece(args[0])
	if err != nil {
		log.Fatal(err)
	}
	if _, err := os.Stdout.Write(data); err != nil {
		log.Fatal(err)
	}
}

func cmdPost(builder *sb.SectorBuilder, args []string) {
	if len(args) < 2 {
		log.Fatal("usage: post <comm-r-hex...> <challenge-seed-hex>")
	}

	seedHex := args[len(args)-1]
	seedBytes, err := hex.DecodeString(seedHex)
	if err != nil || len(seedBytes) != 32 {
		log.Fatalf("challenge seed must be 32 bytes of hex, got %q", seedHex)
	}
	var seed [32]byte
	copy(seed[:], seedBytes)

	commRs := make([][32]byte, 0, len(args)-1)
	for _, h := range args[:len(args)-1] {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 32 {
			log.Fatalf("comm-r must be 32 bytes of hex, got %q", h)
		}
		var cr [32]byte
		copy(cr[:], b)
		commRs = append(commRs, cr)
	}

	out, err := builder.GeneratePoSt(commRs, seed)
	if err != nil {
		log.Fatal(err)
	}

	blob, err := cbor.DumpObject(out)
	if err != nil {
		log.Fatal(err)
	}
	os.Stdout.Write(blob)
}

func parseProverID(s string) ([31]byte, error) {
	var id [31]byte
	if s == "" {
		return id, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, xerrors.Errorf("decoding prover id: %w", err)
	}
	if len(b) != 31 {
		return id, xerrors.Errorf("prover id must be exactly 31 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}
