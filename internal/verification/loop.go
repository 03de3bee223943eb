// Package verification periodically re-checks unverified Telegram-sourced
// GeoEvents against corroborating signals, generalizing the teacher's
// ObitoListener ticker/poll loop into a trust-scoring sweep instead of a
// one-shot publish.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/geo"
	"github.com/crisisline/backend/internal/integration"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

// DefaultPollInterval matches the spec's 10-minute verification sweep.
const DefaultPollInterval = 10 * time.Minute

// SweepWindow bounds how far back an unverified event can be and still be
// picked up by a sweep.
const SweepWindow = 6 * time.Hour

// SweepBatchSize caps how many events one sweep re-checks.
const SweepBatchSize = 20

// CorroborationRadiusMeters and CorroborationWindow define the "other
// signals near this report" set fed to the LLM verifier.
const (
	CorroborationRadiusMeters = 3000
	CorroborationWindow       = 6 * time.Hour
	NearbySOSDegreeWindow     = 0.03
	NearbySOSWindow           = 2 * time.Hour
)

// Loop is the Verification Loop: one per process, started by the scheduler.
type Loop struct {
	geoEventRepo     *repository.GeoEventRepository
	sosRepo          *repository.SOSRepository
	intelMessageRepo *repository.IntelMessageRepository
	intelChannelRepo *repository.IntelChannelRepository
	llm              *integration.LLMClient

	pollInterval time.Duration
	running      int32
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastSweepAt  atomic.Value

	logger *log.Logger
}

func New(
	geoEventRepo *repository.GeoEventRepository,
	sosRepo *repository.SOSRepository,
	intelMessageRepo *repository.IntelMessageRepository,
	intelChannelRepo *repository.IntelChannelRepository,
	llm *integration.LLMClient,
	pollInterval time.Duration,
) *Loop {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Loop{
		geoEventRepo:     geoEventRepo,
		sosRepo:          sosRepo,
		intelMessageRepo: intelMessageRepo,
		intelChannelRepo: intelChannelRepo,
		llm:              llm,
		pollInterval:     pollInterval,
		logger:           log.Default(),
	}
}

func (l *Loop) SetLogger(lg *log.Logger) {
	if lg != nil {
		l.logger = lg
	}
}

func (l *Loop) IsRunning() bool {
	return atomic.LoadInt32(&l.running) == 1
}

// Start launches the sweep loop in its own goroutine. Mirrors the teacher's
// ticker-plus-initial-poll idiom: the first sweep runs immediately, not
// after the first tick.
func (l *Loop) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return fmt.Errorf("verification loop already running")
	}
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go l.pollLoop(ctx)
	return nil
}

func (l *Loop) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) pollLoop(ctx context.Context) {
	defer close(l.doneCh)

	l.sweep(ctx)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	since := time.Now().Add(-SweepWindow)
	events, err := l.geoEventRepo.ListUnverifiedTelegram(ctx, since, SweepBatchSize)
	if err != nil {
		l.logger.Printf("[Verification] Could not list unverified events: %v", err)
		return
	}
	if len(events) == 0 {
		l.lastSweepAt.Store(time.Now())
		return
	}

	var wg sync.WaitGroup
	for _, e := range events {
		wg.Add(1)
		go func(e *models.GeoEvent) {
			defer wg.Done()
			if err := l.verifyOne(ctx, e); err != nil {
				l.logger.Printf("[Verification] Event %s failed: %v", e.ID, err)
			}
		}(e)
	}
	wg.Wait()
	l.lastSweepAt.Store(time.Now())
}

// verifyOne runs the full per-event check: gather corroboration, ask the
// LLM (falling back to a keyword heuristic on failure), write the outcome
// back to the event, and fold it into the originating channel's trust
// score.
func (l *Loop) verifyOne(ctx context.Context, event *models.GeoEvent) error {
	corroborating, err := l.geoEventRepo.ListWithinRadius(ctx, event.Lat, event.Lng, CorroborationRadiusMeters,
		time.Now().Add(-CorroborationWindow), nil)
	if err != nil {
		corroborating = nil
	}
	nearbySOS, err := l.sosRepo.ListNearActive(ctx, event.Lat, event.Lng, NearbySOSDegreeWindow, time.Now().Add(-NearbySOSWindow))
	if err != nil {
		nearbySOS = nil
	}

	corroboratingCount := 0
	for _, c := range corroborating {
		if c.ID != event.ID && geo.Within(event.Lat, event.Lng, c.Lat, c.Lng, CorroborationRadiusMeters) {
			corroboratingCount++
		}
	}

	verified, confidence, trustDelta, reasoning := l.runLLMVerifier(ctx, event, corroboratingCount, len(nearbySOS))

	if err := l.geoEventRepo.UpdateVerification(ctx, event.ID, verified, confidence, reasoning, time.Now()); err != nil {
		return fmt.Errorf("write verification outcome: %w", err)
	}

	return l.applyTrustDelta(ctx, event.ID, verified, confidence, trustDelta, reasoning)
}

func (l *Loop) runLLMVerifier(ctx context.Context, event *models.GeoEvent, corroboratingCount, nearbySOSCount int) (verified bool, confidence, trustDelta float64, reasoning string) {
	if l.llm != nil {
		v, c, d, r, err := l.callLLMVerifier(ctx, event, corroboratingCount, nearbySOSCount)
		if err == nil {
			return v, c, d, r
		}
		l.logger.Printf("[Verification] LLM verifier failed for event %s, using heuristic: %v", event.ID, err)
	}
	return keywordVerify(corroboratingCount, nearbySOSCount)
}

func (l *Loop) callLLMVerifier(ctx context.Context, event *models.GeoEvent, corroboratingCount, nearbySOSCount int) (bool, float64, float64, string, error) {
	system := "You verify crowd-sourced crisis reports for plausibility. Respond with a single JSON object: " +
		"{\"verified\":true|false,\"confidence\":0-1,\"trust_delta\":-0.1 to 0.1,\"reasoning\":\"...\"}."
	payload := struct {
		Title              string `json:"title"`
		Details            string `json:"details"`
		EventType          string `json:"event_type"`
		CorroboratingCount int    `json:"corroborating_signals"`
		NearbyActiveSOS    int    `json:"nearby_active_sos"`
	}{event.Title, event.Details, string(event.EventType), corroboratingCount, nearbySOSCount}

	userJSON, err := json.Marshal(payload)
	if err != nil {
		return false, 0, 0, "", err
	}
	text, err := l.llm.Complete(ctx, system, string(userJSON), 300)
	if err != nil {
		return false, 0, 0, "", err
	}

	var parsed struct {
		Verified   bool    `json:"verified"`
		Confidence float64 `json:"confidence"`
		TrustDelta float64 `json:"trust_delta"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return false, 0, 0, "", fmt.Errorf("verifier returned non-conforming JSON")
	}
	delta := parsed.TrustDelta
	if delta < -0.1 {
		delta = -0.1
	}
	if delta > 0.1 {
		delta = 0.1
	}
	return parsed.Verified, parsed.Confidence, delta, parsed.Reasoning, nil
}

// keywordVerify is the fallback used when no LLM is configured or the call
// fails, per spec §4.6 step 3's fallback formula.
func keywordVerify(corroboratingCount, nearbySOSCount int) (verified bool, confidence, trustDelta float64, reasoning string) {
	verified = corroboratingCount+nearbySOSCount > 0
	if verified {
		confidence = 0.7
		trustDelta = 0.05
	} else {
		confidence = 0.3
		trustDelta = -0.02
	}
	reasoning = fmt.Sprintf("heuristic fallback: %d corroborating signals, %d nearby active SOS", corroboratingCount, nearbySOSCount)
	return
}

// applyTrustDelta folds a verification outcome into the originating
// channel's rolling trust state, per spec §4.6 steps 5-6.
func (l *Loop) applyTrustDelta(ctx context.Context, geoEventID uuid.UUID, verified bool, confidence, trustDelta float64, reasoning string) error {
	msg, err := l.intelMessageRepo.GetByGeoEventID(ctx, geoEventID)
	if err != nil {
		return nil // not every GeoEvent originates from a tracked intel message
	}
	channel, err := l.intelChannelRepo.GetByID(ctx, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("load originating channel: %w", err)
	}

	channel.ApplyTrustDelta(geoEventID, verified, confidence, trustDelta, reasoning, time.Now())
	return l.intelChannelRepo.ApplyTrustUpdate(ctx, channel)
}
