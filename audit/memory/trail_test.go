package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"partnersaga/audit"
)

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	tr := New(4)
	ctx := context.Background()

	seq1, err := tr.Append(ctx, audit.Record{SagaID: "s1", Kind: audit.KindSagaStart})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	seq2, err := tr.Append(ctx, audit.Record{SagaID: "s1", Kind: audit.KindStepStart})
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)
}

func TestTimelineOrdersBySeqPerSaga(t *testing.T) {
	tr := New(4)
	ctx := context.Background()

	_, _ = tr.Append(ctx, audit.Record{SagaID: "s1", Kind: audit.KindSagaStart})
	_, _ = tr.Append(ctx, audit.Record{SagaID: "s2", Kind: audit.KindSagaStart})
	_, _ = tr.Append(ctx, audit.Record{SagaID: "s1", Kind: audit.KindSagaEnd})

	tl, err := tr.Timeline(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tl.Records, 2)
	require.Equal(t, audit.KindSagaStart, tl.Records[0].Kind)
	require.Equal(t, audit.KindSagaEnd, tl.Records[1].Kind)
}

func TestAppendIsConcurrencySafeWithinSaga(t *testing.T) {
	tr := New(8)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sagaID := "saga-shared"
			_, err := tr.Append(ctx, audit.Record{SagaID: sagaID, Kind: audit.KindEventIn})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	tl, err := tr.Timeline(ctx, "saga-shared")
	require.NoError(t, err)
	require.Len(t, tl.Records, 50)

	seen := make(map[int64]bool)
	for _, r := range tl.Records {
		require.False(t, seen[r.Seq], "duplicate seq %d", r.Seq)
		seen[r.Seq] = true
	}
}
