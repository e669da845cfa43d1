package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	name    string
	openErr error
	opened  int
	session *fakeSession
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	e.opened++
	if e.openErr != nil {
		return nil, e.openErr
	}
	if e.session == nil {
		e.session = &fakeSession{engine: e.name}
	}
	e.session.opts = opts
	return e.session, nil
}

type fakeSession struct {
	engine string
	opts   SessionOptions
	page   *Page
	err    error
	delay  time.Duration
	closed int
}

func (s *fakeSession) Engine() string { return s.engine }

func (s *fakeSession) Navigate(ctx context.Context, url string) (*Page, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.page != nil {
		return s.page, nil
	}
	return &Page{URL: url, Title: "Oferta", Content: longContent()}, nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func longContent() string {
	b := make([]byte, 20000)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestManager_OpenFallsBackInOrder(t *testing.T) {
	attached := &fakeEngine{name: EngineAttached, openErr: errors.New("connection refused")}
	stealth := &fakeEngine{name: EngineStealth}
	fingerprint := &fakeEngine{name: EngineFingerprint}

	m := NewManager([]Engine{attached, stealth, fingerprint}, nil, DefaultOptions(), nil)

	h, err := m.Open(context.Background(), SessionOptions{UserAgent: "UA"})
	require.NoError(t, err)

	assert.Equal(t, EngineStealth, h.Engine())
	assert.Equal(t, 1, attached.opened)
	assert.Equal(t, 1, stealth.opened)
	assert.Equal(t, 0, fingerprint.opened)
	assert.Equal(t, "UA", stealth.session.opts.UserAgent)
	assert.Equal(t, []string{EngineAttached, EngineStealth, EngineFingerprint}, m.Names())
}

func TestManager_OpenAfter(t *testing.T) {
	attached := &fakeEngine{name: EngineAttached}
	stealth := &fakeEngine{name: EngineStealth}
	m := NewManager([]Engine{attached, stealth}, nil, DefaultOptions(), nil)

	h, err := m.OpenAfter(context.Background(), EngineAttached, SessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, EngineStealth, h.Engine())
	assert.Equal(t, 0, attached.opened)

	_, err = m.OpenAfter(context.Background(), EngineStealth, SessionOptions{})
	require.Error(t, err)
	assert.True(t, monerrors.IsKind(err, monerrors.KindEngineFailure))
}

func TestManager_AllEnginesFail(t *testing.T) {
	m := NewManager([]Engine{
		&fakeEngine{name: EngineAttached, openErr: errors.New("no browser on 9223")},
		&fakeEngine{name: EngineStealth, openErr: errors.New("playwright not installed")},
	}, nil, DefaultOptions(), nil)

	_, err := m.Open(context.Background(), SessionOptions{})
	require.Error(t, err)
	assert.True(t, monerrors.IsKind(err, monerrors.KindEngineFailure))
	assert.Contains(t, err.Error(), "playwright not installed")
}

func TestHandle_NavigateClassifiesErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		s := &fakeSession{engine: EngineStealth, delay: time.Second}
		h := NewHandle(s, nil, 20*time.Millisecond)

		_, err := h.Navigate(context.Background(), "https://allegro.pl/oferta/1")
		require.Error(t, err)
		assert.True(t, monerrors.IsKind(err, monerrors.KindNavigationTimeout))
	})

	t.Run("engine error", func(t *testing.T) {
		s := &fakeSession{engine: EngineAttached, err: errors.New("websocket closed")}
		h := NewHandle(s, nil, time.Second)

		_, err := h.Navigate(context.Background(), "https://allegro.pl/oferta/1")
		require.Error(t, err)
		assert.True(t, monerrors.IsKind(err, monerrors.KindEngineFailure))
	})

	t.Run("parent cancelled", func(t *testing.T) {
		s := &fakeSession{engine: EngineStealth, delay: time.Second}
		h := NewHandle(s, nil, time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.Navigate(ctx, "https://allegro.pl/oferta/1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHandle_BlockedRefusesNavigation(t *testing.T) {
	blockedPage := &Page{Title: "allegro.pl", Content: "<html>captcha-delivery.com</html>"}
	s := &fakeSession{engine: EngineStealth, page: blockedPage}
	h := NewHandle(s, NewHeuristicDetector("allegro.pl", 10000), time.Second)

	page, err := h.Navigate(context.Background(), "https://allegro.pl/oferta/1")
	require.NoError(t, err)
	assert.True(t, h.IsBlocked(page))
	assert.True(t, h.Blocked())

	_, err = h.Navigate(context.Background(), "https://allegro.pl/oferta/2")
	assert.True(t, monerrors.IsBlocked(err))
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	s := &fakeSession{engine: EngineStealth}
	h := NewHandle(s, nil, time.Second)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, s.closed)

	_, err := h.Navigate(context.Background(), "https://allegro.pl")
	assert.True(t, monerrors.IsKind(err, monerrors.KindEngineFailure))
}
