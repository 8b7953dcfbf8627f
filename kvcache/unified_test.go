// MODUL: unified_test
// ZWECK: Tests fuer Platzierung, Sequenz-Operationen und Rebuilds des
// Unified-Caches
// INPUT: Synthetische Batches auf dem CPU-Referenz-Backend
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, cpu-Backend, errgroup
// HINWEISE: Alle Tests arbeiten white-box im Paket, wie auch die
// Maskenpruefung ueber rohe Float-Werte

package kvcache

import (
	"bytes"
	"math"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/seqmem/seqmem/fs"
	"github.com/seqmem/seqmem/ml"
	"github.com/seqmem/seqmem/ml/backend/cpu"
	"github.com/seqmem/seqmem/model/input"
)

func testHparams() fs.Hparams {
	return fs.Hparams{
		NLayer:     2,
		NEmbdHeadK: 4,
		NEmbdHeadV: 4,
		NHeadKV:    1,
	}
}

// identity shift: nur die Buchfuehrung interessiert in diesen Tests
func testShift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	return key, nil
}

func newTestCache(t *testing.T, capacity, maxSequences int) *Unified {
	t.Helper()

	cache := NewUnifiedCache(ml.DTypeF32, ml.DTypeF32, testShift)
	cache.Init(cpu.New(), Params{
		Hparams:      testHparams(),
		Capacity:     capacity,
		MaxSequences: maxSequences,
		MaxBatch:     16,
	})
	t.Cleanup(cache.Close)
	return cache
}

// seqBatch erzeugt n Tokens fuer seq ab Position pos0
func seqBatch(seq int, pos0, n int) input.Batch {
	var b input.Batch
	for i := range n {
		b.Inputs = append(b.Inputs, int32(pos0+i))
		b.Positions = append(b.Positions, int32(pos0+i))
		b.Sequences = append(b.Sequences, []int{seq})
		b.Outputs = append(b.Outputs, i == n-1)
	}
	return b
}

func mergeBatches(batches ...input.Batch) input.Batch {
	var out input.Batch
	for _, b := range batches {
		out.Inputs = append(out.Inputs, b.Inputs...)
		out.Positions = append(out.Positions, b.Positions...)
		out.Sequences = append(out.Sequences, b.Sequences...)
		out.Outputs = append(out.Outputs, b.Outputs...)
	}
	return out
}

// decode spielt einen Batch vollstaendig ein, inklusive Put pro Layer
func decode(t *testing.T, cache Memory, batch input.Batch, ubatchSize int) Status {
	t.Helper()

	mctx := cache.BeginBatch(batch, ubatchSize, false)
	if mctx.Status() != StatusSuccess {
		return mctx.Status()
	}

	backend := cpu.New()
	for mctx.Next() {
		ub := mctx.Ubatch()
		ctx := backend.NewContext()

		if u, ok := cache.(interface {
			SetLayer(int)
			Put(ml.Context, ml.Tensor, ml.Tensor)
			Get(ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)
		}); ok {
			u.SetLayer(0)
			vals := make([]float32, 4*ub.Len())
			for i := range ub.Len() {
				for j := range 4 {
					vals[i*4+j] = float32(ub.Positions[i])
				}
			}
			k := ctx.FromFloats(vals, 4, 1, ub.Len())
			v := ctx.FromFloats(vals, 4, 1, ub.Len())
			u.Put(ctx, k, v)
		}

		if err := mctx.Apply(); err != nil {
			t.Fatalf("Apply fehlgeschlagen: %v", err)
		}
		ctx.Close()
	}

	return StatusSuccess
}

func TestPlacementAndRecovery(t *testing.T) {
	cache := newTestCache(t, 10, 2)

	if got := decode(t, cache, seqBatch(0, 0, 8), 4); got != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", got)
	}
	if cache.NumUsed() != 8 {
		t.Fatalf("NumUsed = %d, erwartet 8", cache.NumUsed())
	}

	// 4 weitere Tokens passen nicht mehr in 2 freie Slots
	if got := decode(t, cache, seqBatch(0, 8, 4), 4); got != StatusFailedPrepare {
		t.Fatalf("Status = %v, erwartet failed prepare", got)
	}

	// empfohlene Recovery: Praefix entfernen und erneut versuchen
	if !cache.SeqRm(0, 0, 4) {
		t.Fatal("SeqRm hat false geliefert")
	}
	if got := decode(t, cache, seqBatch(0, 8, 4), 4); got != StatusSuccess {
		t.Fatalf("Status nach Recovery = %v, erwartet success", got)
	}

	if got := cache.SeqPosMin(0); got != 4 {
		t.Errorf("SeqPosMin = %d, erwartet 4", got)
	}
	if got := cache.SeqPosMax(0); got != 11 {
		t.Errorf("SeqPosMax = %d, erwartet 11", got)
	}
}

func TestUntouchedSequence(t *testing.T) {
	cache := newTestCache(t, 8, 4)
	decode(t, cache, seqBatch(0, 0, 4), 4)

	if got := cache.SeqPosMin(3); got != -1 {
		t.Errorf("SeqPosMin = %d, erwartet -1", got)
	}
	if got := cache.SeqPosMax(3); got != -1 {
		t.Errorf("SeqPosMax = %d, erwartet -1", got)
	}
}

func TestSeqCpSharesSlots(t *testing.T) {
	cache := newTestCache(t, 8, 2)
	decode(t, cache, seqBatch(0, 0, 4), 4)

	cache.SeqCp(0, 1, 0, -1)

	// Kopie teilt Slots, verbraucht keine neuen
	if cache.NumUsed() != 4 {
		t.Errorf("NumUsed = %d, erwartet 4", cache.NumUsed())
	}
	if got := cache.SeqPosMax(1); got != 3 {
		t.Errorf("SeqPosMax(1) = %d, erwartet 3", got)
	}

	// Entfernen der Kopie laesst das Original intakt
	cache.SeqRm(1, 0, -1)
	if got := cache.SeqPosMax(0); got != 3 {
		t.Errorf("SeqPosMax(0) nach SeqRm(1) = %d, erwartet 3", got)
	}
	if cache.NumUsed() != 4 {
		t.Errorf("NumUsed = %d, erwartet 4", cache.NumUsed())
	}
}

func TestSeqKeep(t *testing.T) {
	cache := newTestCache(t, 8, 3)
	decode(t, cache, mergeBatches(seqBatch(0, 0, 2), seqBatch(1, 0, 2), seqBatch(2, 0, 2)), 8)

	cache.SeqKeep(1)

	if got := cache.SeqPosMax(0); got != -1 {
		t.Errorf("SeqPosMax(0) = %d, erwartet -1", got)
	}
	if got := cache.SeqPosMax(1); got != 1 {
		t.Errorf("SeqPosMax(1) = %d, erwartet 1", got)
	}
	if cache.NumUsed() != 2 {
		t.Errorf("NumUsed = %d, erwartet 2", cache.NumUsed())
	}
}

func TestSeqAdd(t *testing.T) {
	cache := newTestCache(t, 8, 1)
	decode(t, cache, seqBatch(0, 0, 4), 4)

	cache.SeqAdd(0, 2, -1, 3)
	if got := cache.SeqPosMax(0); got != 6 {
		t.Errorf("SeqPosMax = %d, erwartet 6", got)
	}
	if got := cache.SeqPosMin(0); got != 0 {
		t.Errorf("SeqPosMin = %d, erwartet 0", got)
	}

	// Position 0 rutscht unter den Ursprung und faellt heraus, Position 1
	// wird zu 0
	cache.SeqAdd(0, 0, 2, -1)
	if got := cache.SeqPosMin(0); got != 0 {
		t.Errorf("SeqPosMin nach negativem Shift = %d, erwartet 0", got)
	}
	if cache.NumUsed() != 3 {
		t.Errorf("NumUsed = %d, erwartet 3", cache.NumUsed())
	}

	// Null-Shift ist ein No-op
	cache.SeqAdd(0, 0, -1, 0)
	if !cache.hasShift {
		t.Fatal("hasShift wurde durch fruehere Shifts nicht gesetzt")
	}
}

func TestSeqDiv(t *testing.T) {
	cache := newTestCache(t, 8, 1)
	decode(t, cache, seqBatch(0, 0, 5), 5)

	cache.SeqDiv(0, 0, -1, 2)
	if got := cache.SeqPosMax(0); got != 2 {
		t.Errorf("SeqPosMax = %d, erwartet 2", got)
	}

	// Divisor 1 ist ein No-op
	before := cache.SeqPosMax(0)
	cache.SeqDiv(0, 0, -1, 1)
	if got := cache.SeqPosMax(0); got != before {
		t.Errorf("SeqPosMax = %d, erwartet %d", got, before)
	}
}

func TestShiftUpdateCycle(t *testing.T) {
	cache := newTestCache(t, 8, 1)
	decode(t, cache, seqBatch(0, 0, 4), 4)

	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	// ohne ausstehende Arbeit: nichts zu tun
	if got := cache.BeginUpdate(ctx, false).Status(); got != StatusNoUpdate {
		t.Fatalf("Status = %v, erwartet no update", got)
	}

	cache.SeqAdd(0, 0, -1, 2)

	mctx := cache.BeginUpdate(ctx, false)
	if mctx.Status() != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", mctx.Status())
	}
	for mctx.Next() {
		if err := mctx.Apply(); err != nil {
			t.Fatalf("Apply fehlgeschlagen: %v", err)
		}
	}

	if cache.hasShift {
		t.Error("hasShift nach Rebuild noch gesetzt")
	}
	if got := cache.BeginUpdate(ctx, false).Status(); got != StatusNoUpdate {
		t.Errorf("Status = %v, erwartet no update", got)
	}
}

func TestDefrag(t *testing.T) {
	cache := newTestCache(t, 8, 1)
	decode(t, cache, seqBatch(0, 0, 8), 8)

	// Loecher in die Mitte reissen
	cache.SeqRm(0, 2, 5)
	if cache.NumUsed() != 5 {
		t.Fatalf("NumUsed = %d, erwartet 5", cache.NumUsed())
	}

	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	mctx := cache.BeginUpdate(ctx, true)
	if mctx.Status() != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", mctx.Status())
	}
	for mctx.Next() {
		if err := mctx.Apply(); err != nil {
			t.Fatalf("Apply fehlgeschlagen: %v", err)
		}
	}

	// alle lebenden Slots liegen jetzt kompakt am Anfang
	for i := range 5 {
		if cache.cells[i].free() {
			t.Errorf("Slot %d frei, erwartet belegt", i)
		}
	}
	for i := 5; i < 8; i++ {
		if !cache.cells[i].free() {
			t.Errorf("Slot %d belegt, erwartet frei", i)
		}
	}

	if got := cache.SeqPosMin(0); got != 0 {
		t.Errorf("SeqPosMin = %d, erwartet 0", got)
	}
	if got := cache.SeqPosMax(0); got != 7 {
		t.Errorf("SeqPosMax = %d, erwartet 7", got)
	}

	// Daten sind mitgewandert: Zeile i traegt die Position des Tokens
	key := cache.keys[0]
	for i := range 5 {
		pos := cache.cells[i].pos
		row := key.Floats()[i*4 : i*4+4]
		if row[0] != float32(pos) {
			t.Errorf("Slot %d traegt %v, erwartet %v", i, row[0], float32(pos))
		}
	}
}

func TestCausalMask(t *testing.T) {
	cache := newTestCache(t, 8, 1)

	mctx := cache.BeginBatch(seqBatch(0, 0, 3), 8, false)
	if mctx.Status() != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", mctx.Status())
	}

	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	if !mctx.Next() {
		t.Fatal("Next hat false geliefert")
	}

	cache.SetLayer(0)
	_, _, mask := cache.Get(ctx)

	length := mask.Dim(0)
	vals := mask.Floats()
	for i := range 3 {
		for j := range length {
			got := vals[i*length+j]
			// attendierbar nur: gleiche Sequenz und pos_j <= pos_i
			attendable := j < 3 && int32(j) <= int32(i)
			if attendable && got != 0 {
				t.Errorf("Maske[%d,%d] = %v, erwartet 0", i, j, got)
			}
			if !attendable && !math.IsInf(float64(got), -1) {
				t.Errorf("Maske[%d,%d] = %v, erwartet -Inf", i, j, got)
			}
		}
	}

	if err := mctx.Apply(); err != nil {
		t.Fatalf("Apply fehlgeschlagen: %v", err)
	}
}

func TestRollbackOnSkippedApply(t *testing.T) {
	cache := newTestCache(t, 8, 1)

	mctx := cache.BeginBatch(seqBatch(0, 0, 6), 3, false)
	if mctx.Status() != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", mctx.Status())
	}

	// iterieren ohne Apply: nichts darf dauerhaft werden
	for mctx.Next() {
	}

	if cache.NumUsed() != 0 {
		t.Errorf("NumUsed = %d, erwartet 0", cache.NumUsed())
	}
	if got := cache.SeqPosMax(0); got != -1 {
		t.Errorf("SeqPosMax = %d, erwartet -1", got)
	}
}

func TestRingReuse(t *testing.T) {
	cache := newTestCache(t, 4, 1)
	decode(t, cache, seqBatch(0, 0, 4), 4)

	// Praefix freigeben und weiterdekodieren: die freien Slots am Anfang
	// werden wiederverwendet
	cache.SeqRm(0, 0, 2)
	if got := decode(t, cache, seqBatch(0, 4, 2), 2); got != StatusSuccess {
		t.Fatalf("Status = %v, erwartet success", got)
	}
	if cache.NumUsed() != 4 {
		t.Errorf("NumUsed = %d, erwartet 4", cache.NumUsed())
	}
}

func TestTokenByTokenExhaustion(t *testing.T) {
	cache := newTestCache(t, 10, 1)

	// 12 sequentielle Positionen einzeln einspielen: die ersten 10 passen,
	// danach ist jede Platzierung verweigert bis zur Raeumung
	for pos := range 12 {
		got := decode(t, cache, seqBatch(0, pos, 1), 1)
		want := StatusSuccess
		if pos >= 10 {
			want = StatusFailedPrepare
		}
		if got != want {
			t.Fatalf("Position %d: Status = %v, erwartet %v", pos, got, want)
		}
	}

	if !cache.SeqRm(0, 0, 2) {
		t.Fatal("SeqRm hat false geliefert")
	}
	for pos := 10; pos < 12; pos++ {
		if got := decode(t, cache, seqBatch(0, pos, 1), 1); got != StatusSuccess {
			t.Fatalf("Position %d nach Raeumung: Status = %v, erwartet success", pos, got)
		}
	}

	// Kapazitaets-Invariante haelt durchgehend
	if cache.NumUsed() > cache.Capacity() {
		t.Errorf("NumUsed = %d ueberschreitet Kapazitaet %d", cache.NumUsed(), cache.Capacity())
	}
}

func TestZeroShiftIsByteIdentical(t *testing.T) {
	cache := newTestCache(t, 8, 1)
	decode(t, cache, seqBatch(0, 0, 5), 8)

	checkpoint := func() []byte {
		var buf bytes.Buffer
		if err := cache.StateWrite(NewWriter(&buf), -1, 0); err != nil {
			t.Fatalf("StateWrite fehlgeschlagen: %v", err)
		}
		return buf.Bytes()
	}

	before := checkpoint()
	cache.SeqAdd(0, 0, -1, 0)
	cache.SeqDiv(0, 0, -1, 1)
	if !bytes.Equal(before, checkpoint()) {
		t.Error("Null-Shift oder Divisor 1 hat den Zustand veraendert")
	}
}

func TestIndependentInstances(t *testing.T) {
	// unabhaengige Instanzen duerfen parallel arbeiten
	var g errgroup.Group
	for i := range 4 {
		g.Go(func() error {
			cache := NewUnifiedCache(ml.DTypeF32, ml.DTypeF32, nil)
			cache.Init(cpu.New(), Params{
				Hparams:      testHparams(),
				Capacity:     16,
				MaxSequences: 2,
				MaxBatch:     8,
			})
			defer cache.Close()

			for step := range 8 {
				mctx := cache.BeginBatch(seqBatch(i%2, step, 1), 1, false)
				if mctx.Status() != StatusSuccess {
					return ErrKvCacheFull
				}
				for mctx.Next() {
					if err := mctx.Apply(); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("paralleler Lauf fehlgeschlagen: %v", err)
	}
}
