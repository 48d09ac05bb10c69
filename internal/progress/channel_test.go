package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskwatch/internal/dispatcher"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
	progress []float64
}

func (r *recorder) MessageChanged(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) ProgressChanged(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) Progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestChannelDefaults(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	state := ch.State()
	require.Empty(t, state.Message)
	require.True(t, state.IsIndeterminate())
	require.Equal(t, Indeterminate, state.Progress)

	ch = NewChannel(WithInitialMessage("waiting"))
	require.Equal(t, "waiting", ch.State().Message)
}

func TestChannelDeliversInWriteOrder(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	rec := &recorder{}
	ch.AddListener(rec)

	ch.SetProgress(0.1)
	ch.SetProgress(0.2)
	ch.SetProgress(0.3)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, rec.Progress())
}

func TestChannelOrderedAcrossGoroutines(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	rec := &recorder{}
	ch.AddListener(rec)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ch.SetProgress(float64(w*50+i+1) / 1000)
			}
		}(w)
	}
	wg.Wait()

	// The last delivered value is the value the channel ended up holding.
	got := rec.Progress()
	require.NotEmpty(t, got)
	require.Equal(t, ch.State().Progress, got[len(got)-1])
}

func TestChannelSuppressesUnchangedValues(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	rec := &recorder{}
	ch.AddListener(rec)

	ch.SetMessage("copying")
	ch.SetMessage("copying")
	ch.SetProgress(0.5)
	ch.SetProgress(0.5)
	ch.SetProgress(-7)
	ch.SetProgress(Indeterminate)

	require.Equal(t, []string{"copying"}, rec.Messages())
	require.Equal(t, []float64{0.5, Indeterminate}, rec.Progress())
}

func TestChannelClampsAndClears(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	ch.SetProgress(4)
	require.Equal(t, 1.0, ch.State().Progress)

	ch.SetMessage("step 1")
	ch.SetMessage("")
	require.Empty(t, ch.State().Message)
}

func TestChannelRemoveListener(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	rec := &recorder{}
	remove := ch.AddListener(rec)
	ch.SetProgress(0.1)
	remove()
	ch.SetProgress(0.2)
	require.Equal(t, []float64{0.1}, rec.Progress())
}

func TestChannelDeliversOnExecutor(t *testing.T) {
	t.Parallel()

	serial := dispatcher.NewSerial(zap.NewNop())
	defer func() {
		require.NoError(t, serial.Close(context.Background()))
	}()

	ch := NewChannel(WithExecutor(serial))
	rec := &recorder{}
	ch.AddListener(rec)

	for i := 1; i <= 10; i++ {
		ch.SetProgress(float64(i) / 10)
	}
	require.NoError(t, serial.Barrier(context.Background()))

	got := rec.Progress()
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
	}
}

func TestChannelIsolatesPanickingListener(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	ch.AddListener(ListenerFuncs{OnProgress: func(float64) { panic("boom") }})
	rec := &recorder{}
	ch.AddListener(rec)

	require.NotPanics(t, func() { ch.SetProgress(0.4) })
	require.Equal(t, []float64{0.4}, rec.Progress())
}

func TestChannelOnChangeRunsOnWriter(t *testing.T) {
	t.Parallel()

	serial := dispatcher.NewSerial(zap.NewNop())
	defer func() {
		require.NoError(t, serial.Close(context.Background()))
	}()

	ch := NewChannel(WithExecutor(serial))
	var seen []State
	remove := ch.OnChange(func(s State) { seen = append(seen, s) })

	ch.SetMessage("a")
	ch.SetProgress(0.25)
	remove()
	ch.SetProgress(0.5)

	require.Equal(t, []State{
		{Message: "a", Progress: Indeterminate},
		{Message: "a", Progress: 0.25},
	}, seen)
}

func TestChannelOnChangeEndsOnLastAppliedState(t *testing.T) {
	t.Parallel()

	for round := 0; round < 50; round++ {
		ch := NewChannel()
		var (
			mu   sync.Mutex
			last State
		)
		ch.OnChange(func(s State) {
			_ = ch.State()
			mu.Lock()
			last = s
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 1; i <= 20; i++ {
					ch.SetProgress(float64(w*20+i) / 200)
					ch.SetMessage(fmt.Sprintf("writer %d step %d", w, i))
				}
			}()
		}
		wg.Wait()

		mu.Lock()
		require.Equal(t, ch.State(), last)
		mu.Unlock()
	}
}

func TestHandlerContext(t *testing.T) {
	t.Parallel()

	ch := NewChannel()
	ctx := NewContext(context.Background(), ch)
	FromContext(ctx).SetProgress(0.75)
	require.Equal(t, 0.75, ch.State().Progress)

	require.NotPanics(t, func() {
		FromContext(context.Background()).SetMessage("ignored")
	})
}

func ExampleChannel() {
	ch := NewChannel()
	ch.AddListener(ListenerFuncs{
		OnMessage:  func(m string) { fmt.Println("message:", m) },
		OnProgress: func(p float64) { fmt.Printf("progress: %.0f%%\n", p*100) },
	})
	ch.SetMessage("copying")
	ch.SetProgress(0.5)
	ch.SetProgress(0.5)
	// Output:
	// message: copying
	// progress: 50%
}
