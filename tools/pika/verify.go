package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
)

const (
	notFound      = "NOT FOUND"
	verifyPage    = 256
	maxMismatches = 10
)

// DocMismatch describes a document whose mirror copy differs from the primary.
type DocMismatch struct {
	Path    string
	Primary string // checksum
	Mirror  string // checksum or NOT FOUND
}

// CollectionResult holds per-collection verification results.
type CollectionResult struct {
	Collection string
	Documents  int // primary documents checked
	Mirrored   int // children under the mirror root
	Matched    int
	Mismatched int
}

// VerifyResult holds verification results.
type VerifyResult struct {
	Collections []CollectionResult
	Mismatches  []DocMismatch // first N mismatches with details
}

// Source lists primary documents
type Source interface {
	List(ctx context.Context, collection, afterID string, limit int) ([]primary.Document, error)
}

// Target reads the mirror
type Target interface {
	Get(ctx context.Context, path string) (mirror.Node, error)
	ChildKeys(ctx context.Context, path string) ([]string, error)
}

// Verifier checks that the mirror converged to the primary store.
type Verifier struct {
	source  Source
	target  Target
	samples int
}

// NewVerifier creates a new Verifier. samples limits documents checked per
// collection, 0 checks all.
func NewVerifier(source Source, target Target, samples int) *Verifier {
	return &Verifier{source: source, target: target, samples: samples}
}

// Verify runs the consistency check over the given collections.
func (v *Verifier) Verify(ctx context.Context, collections []string) (*VerifyResult, error) {
	result := &VerifyResult{
		Collections: make([]CollectionResult, 0, len(collections)),
		Mismatches:  make([]DocMismatch, 0),
	}

	for _, coll := range collections {
		cr, err := v.verifyCollection(ctx, coll, result)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", coll, err)
		}
		result.Collections = append(result.Collections, cr)
	}
	return result, nil
}

func (v *Verifier) verifyCollection(ctx context.Context, coll string, result *VerifyResult) (CollectionResult, error) {
	cr := CollectionResult{Collection: coll}

	keys, err := v.target.ChildKeys(ctx, common.MirrorRoot(coll))
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return cr, fmt.Errorf("failed to list mirror children: %w", err)
	}
	cr.Mirrored = len(keys)

	after := ""
	for v.samples == 0 || cr.Documents < v.samples {
		docs, err := v.source.List(ctx, coll, after, verifyPage)
		if err != nil {
			return cr, fmt.Errorf("failed to list documents: %w", err)
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			if v.samples > 0 && cr.Documents >= v.samples {
				break
			}
			cr.Documents++

			path := common.MirrorPath(coll, doc.ID)
			primarySum := checksum(doc.Data)
			mirrorSum := notFound

			node, err := v.target.Get(ctx, path)
			switch {
			case errors.Is(err, common.ErrNotFound):
			case err != nil:
				return cr, fmt.Errorf("failed to read %s: %w", path, err)
			default:
				mirrorSum = checksum(node.Data)
			}

			if mirrorSum == primarySum && encoding.Equal(doc.Data, node.Data) {
				cr.Matched++
				continue
			}
			cr.Mismatched++
			if len(result.Mismatches) < maxMismatches {
				result.Mismatches = append(result.Mismatches, DocMismatch{
					Path:    path,
					Primary: primarySum,
					Mirror:  mirrorSum,
				})
			}
		}
		after = docs[len(docs)-1].ID
	}

	return cr, nil
}

// checksum hashes the canonical encoding of a payload for display
func checksum(data common.Payload) string {
	b, err := encoding.Marshal(data)
	if err != nil {
		return "UNENCODABLE"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Print outputs verification results.
func (r *VerifyResult) Print() {
	for _, c := range r.Collections {
		fmt.Println()
		fmt.Printf("Collection %s:\n", c.Collection)
		fmt.Printf("  Documents:  %d\n", c.Documents)
		fmt.Printf("  Mirrored:   %d\n", c.Mirrored)
		fmt.Printf("  Matching:   %d\n", c.Matched)
		fmt.Printf("  Mismatched: %d\n", c.Mismatched)
	}

	if len(r.Mismatches) > 0 {
		fmt.Println()
		fmt.Println("Mismatches:")
		for _, m := range r.Mismatches {
			fmt.Printf("  %s\n", m.Path)
			fmt.Printf("    primary: %s\n", m.Primary)
			fmt.Printf("    mirror:  %s\n", m.Mirror)
		}
	}
}

// HasMismatches returns true if there are any mismatches.
func (r *VerifyResult) HasMismatches() bool {
	for _, c := range r.Collections {
		if c.Mismatched > 0 {
			return true
		}
	}
	return false
}

// executeVerify runs the verification against an open harness.
func executeVerify(ctx context.Context, cfg *Config, h *Harness) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Mirror Verification                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Printf("DataDir:  %s\n", cfg.DataDir)
	fmt.Printf("Samples:  %d\n", cfg.VerifySamples)

	verifier := NewVerifier(h.Primary, h.Mirror, cfg.VerifySamples)

	fmt.Println()
	fmt.Println("Verifying mirror consistency...")

	result, err := verifier.Verify(ctx, benchCollections)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("              VERIFICATION RESULTS                     ")
	fmt.Println("═══════════════════════════════════════════════════════")
	result.Print()

	if result.HasMismatches() {
		return fmt.Errorf("mirror verification failed: found inconsistencies")
	}

	fmt.Println()
	fmt.Println("Mirror verification passed!")
	return nil
}
