package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/integration"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

// DefaultPullInterval matches the spec's five-minute intel pull cadence.
const DefaultPullInterval = 5 * time.Minute

// MaxMessagesPerChannel caps how many backlog messages one channel yields
// per pull, so one noisy channel cannot starve the rest of the sweep.
const MaxMessagesPerChannel = 20

// InterChannelDelay and InterJoinDelay are the pacing floors the pull loop
// holds to, modeled on the rate limits pep-agent's poller respects against
// its own upstream: at least two seconds between reading two different
// channels, at least ten seconds before the first read of a channel the
// pipeline has never polled before (its "join").
const (
	InterChannelDelay = 2 * time.Second
	InterJoinDelay    = 10 * time.Second
)

// DefaultRegionLat/Lng is where a crisis report lands on the map when the
// extractor cannot recover coordinates from the message text.
const (
	DefaultRegionLat = 31.5017
	DefaultRegionLng = 34.4668
)

// strongCrisisKeywords force a message to crisis classification regardless
// of what the LLM classifier says, covering both the pack's working
// language and English loanwords that show up in mixed-language channels.
var strongCrisisKeywords = []string{
	"bombing", "airstrike", "air strike", "explosion", "shelling", "missile",
	"casualties", "collapse", "collapsed", "fire", "trapped", "rubble",
	"قصف", "انفجار", "غارة", "ضحايا", "انهيار", "حريق", "تحت الركام",
}

// Pipeline is the Intel Pipeline: one per process, started by the
// scheduler on a ticker.
type Pipeline struct {
	channelRepo *repository.IntelChannelRepository
	messageRepo *repository.IntelMessageRepository
	geoEventRepo *repository.GeoEventRepository
	alertEngine *alertengine.Engine
	telegram    *TelegramClient
	llm         *integration.LLMClient
	vector      *integration.VectorClient
	bus         *broker.Broker

	pullInterval time.Duration
	running      int32
	stopCh       chan struct{}
	doneCh       chan struct{}

	processed int64
	crises    int64
	errors    int64

	logger *log.Logger
}

func New(
	channelRepo *repository.IntelChannelRepository,
	messageRepo *repository.IntelMessageRepository,
	geoEventRepo *repository.GeoEventRepository,
	alertEngine *alertengine.Engine,
	telegram *TelegramClient,
	llm *integration.LLMClient,
	vector *integration.VectorClient,
	bus *broker.Broker,
	pullInterval time.Duration,
) *Pipeline {
	if pullInterval <= 0 {
		pullInterval = DefaultPullInterval
	}
	return &Pipeline{
		channelRepo:  channelRepo,
		messageRepo:  messageRepo,
		geoEventRepo: geoEventRepo,
		alertEngine:  alertEngine,
		telegram:     telegram,
		llm:          llm,
		vector:       vector,
		bus:          bus,
		pullInterval: pullInterval,
		logger:       log.Default(),
	}
}

func (p *Pipeline) SetLogger(l *log.Logger) {
	if l != nil {
		p.logger = l
	}
}

func (p *Pipeline) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Start launches the pull loop in its own goroutine, running an initial
// pull immediately rather than waiting out the first tick.
func (p *Pipeline) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("intel pipeline already running")
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.pollLoop(ctx)
	return nil
}

func (p *Pipeline) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pipeline) pollLoop(ctx context.Context) {
	defer close(p.doneCh)

	p.pull(ctx)

	ticker := time.NewTicker(p.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pull(ctx)
		}
	}
}

// pull visits every actively-monitored channel once, holding the pacing
// floors between visits.
func (p *Pipeline) pull(ctx context.Context) {
	channels, err := p.channelRepo.ListPollable(ctx)
	if err != nil {
		p.logger.Printf("[Intel] Could not list pollable channels: %v", err)
		return
	}

	for i, channel := range channels {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if i > 0 {
			delay := InterChannelDelay
			if channel.LastPolledAt == nil {
				delay = InterJoinDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		p.pullChannel(ctx, channel)
	}
}

func (p *Pipeline) pullChannel(ctx context.Context, channel *models.IntelChannel) {
	messages, err := p.telegram.FetchSince(ctx, channel.ExternalID, channel.LastWatermark, MaxMessagesPerChannel)
	if err != nil {
		p.logger.Printf("[Intel] Channel %s fetch failed: %v", channel.Name, err)
		atomic.AddInt64(&p.errors, 1)
		return
	}
	if len(messages) == 0 {
		_ = p.channelRepo.AdvanceWatermark(ctx, channel.ID, channel.LastWatermark, time.Now())
		return
	}

	watermark := channel.LastWatermark
	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return
		default:
		}

		exists, err := p.messageRepo.ExistsByExternalID(ctx, channel.ID, msg.ExternalID)
		if err != nil {
			p.logger.Printf("[Intel] Dedup check failed for %s/%s: %v", channel.Name, msg.ExternalID, err)
			continue
		}
		if exists {
			watermark = msg.ExternalID
			continue
		}

		p.processMessage(ctx, channel, msg)
		watermark = msg.ExternalID
		atomic.AddInt64(&p.processed, 1)
	}

	if err := p.channelRepo.AdvanceWatermark(ctx, channel.ID, watermark, time.Now()); err != nil {
		p.logger.Printf("[Intel] Could not advance watermark for %s: %v", channel.Name, err)
	}
}

// processMessage runs one raw channel message through the full pipeline:
// persist, classify, extract, embed, and (if it is a crisis report) fold
// into the Geo Event Store and, at severity 3 or above, the Alert Engine.
func (p *Pipeline) processMessage(ctx context.Context, channel *models.IntelChannel, msg ChannelMessage) {
	now := time.Now()
	p.publish(ctx, models.EnvelopeKindTelegramMessage, map[string]interface{}{
		"channel": channel.Name,
		"text":    msg.Text,
		"at":      msg.PublishedAt,
	}, now)
	p.publish(ctx, models.EnvelopeKindTelegramProcessing, map[string]interface{}{
		"channel": channel.Name,
		"status":  "classifying",
	}, now)

	isCrisis, classifyConfidence, category := p.classify(ctx, msg.Text)

	intelMsg := &models.IntelMessage{
		ID:            uuid.New(),
		ChannelID:     channel.ID,
		ExternalMsgID: msg.ExternalID,
		RawText:       msg.Text,
		Confidence:    classifyConfidence,
		PublishedAt:   msg.PublishedAt,
	}

	if !isCrisis {
		if err := p.messageRepo.Create(ctx, intelMsg); err != nil {
			p.logger.Printf("[Intel] Could not persist non-crisis message: %v", err)
		}
		p.publish(ctx, models.EnvelopeKindTelegramAnalysis, map[string]interface{}{
			"channel":   channel.Name,
			"is_crisis": false,
			"category":  category,
		}, time.Now())
		return
	}

	atomic.AddInt64(&p.crises, 1)
	extraction := p.extract(ctx, msg.Text)
	et := extraction.EventType
	intelMsg.EventType = &et
	if extraction.Lat != nil && extraction.Lng != nil {
		intelMsg.ExtractedLat = extraction.Lat
		intelMsg.ExtractedLng = extraction.Lng
	}

	p.embedAndIndex(ctx, channel, msg, extraction)

	lat, lng := DefaultRegionLat, DefaultRegionLng
	if extraction.Lat != nil && extraction.Lng != nil {
		lat, lng = *extraction.Lat, *extraction.Lng
	}
	severityInt := clampSeverity(models.SeverityToInt(extraction.Severity))

	geoEvent := &models.GeoEvent{
		ID:        uuid.New(),
		Layer:     models.LayerTelegramIntel,
		Source:    models.GeoSourceTelegram,
		EventType: extraction.EventType,
		Lat:       lat,
		Lng:       lng,
		Severity:  severityInt,
		Title:     extraction.LocationText,
		Details:   extraction.Details,
		Metadata: map[string]interface{}{
			"channel":    channel.Name,
			"confidence": extraction.Confidence,
			"urgency":    extraction.Urgency,
		},
	}
	if err := p.geoEventRepo.Create(ctx, geoEvent); err != nil {
		p.logger.Printf("[Intel] Could not create geo event: %v", err)
	} else {
		intelMsg.GeoEventID = &geoEvent.ID
		p.publish(ctx, models.EnvelopeKindGeoEvent, geoEvent.ToResponse(), time.Now())
	}

	if err := p.messageRepo.Create(ctx, intelMsg); err != nil {
		p.logger.Printf("[Intel] Could not persist crisis message: %v", err)
	}

	if severityInt >= 3 && p.alertEngine != nil {
		input := &models.CreateAlertInput{
			EventType:  extraction.EventType,
			Severity:   extraction.Severity,
			Lat:        lat,
			Lng:        lng,
			Message:    extraction.Details,
			Source:     models.AlertSourceTelegram,
			Confidence: extraction.Confidence,
			Metadata: map[string]interface{}{
				"channel":       channel.Name,
				"location_text": extraction.LocationText,
			},
		}
		if _, err := p.alertEngine.Raise(ctx, input); err != nil {
			p.logger.Printf("[Intel] Could not raise alert from channel %s: %v", channel.Name, err)
		}
	}

	p.publish(ctx, models.EnvelopeKindTelegramAnalysis, map[string]interface{}{
		"channel":    channel.Name,
		"is_crisis":  true,
		"event_type": extraction.EventType,
		"severity":   severityInt,
		"confidence": extraction.Confidence,
	}, time.Now())
}

func clampSeverity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

func (p *Pipeline) publish(ctx context.Context, kind models.EnvelopeKind, data interface{}, at time.Time) {
	if p.bus == nil {
		return
	}
	env := models.BusEnvelope{Kind: kind, Room: models.RoomTelegram, Data: data, Timestamp: at}
	if err := p.bus.Publish(ctx, env); err != nil {
		p.logger.Printf("[Intel] Warning: publish %s failed: %v", kind, err)
	}
}

// classify asks the LLM whether a message describes a crisis, with a
// keyword safety net that forces a positive classification the LLM's own
// judgment is not allowed to override.
func (p *Pipeline) classify(ctx context.Context, text string) (isCrisis bool, confidence float64, category string) {
	lower := strings.ToLower(text)
	for _, kw := range strongCrisisKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true, 0.6, "keyword_override"
		}
	}

	if p.llm == nil {
		return false, 0, "no_classifier"
	}

	system := "Classify whether this message describes an active crisis (attack, disaster, mass casualty event). " +
		"Respond with a single JSON object: {\"is_crisis\":true|false,\"confidence\":0-1,\"category\":\"...\"}."
	out, err := p.llm.Complete(ctx, system, text, 150)
	if err != nil {
		p.logger.Printf("[Intel] Classifier call failed: %v", err)
		return false, 0, "classifier_error"
	}

	var parsed struct {
		IsCrisis   bool    `json:"is_crisis"`
		Confidence float64 `json:"confidence"`
		Category   string  `json:"category"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		p.logger.Printf("[Intel] Classifier returned non-conforming JSON: %v", err)
		return false, 0, "classifier_error"
	}
	return parsed.IsCrisis, parsed.Confidence, parsed.Category
}

// extraction is the structured output of the crisis-detail extractor call.
type extraction struct {
	EventType    models.EventType
	Severity     models.AlertSeverity
	LocationText string
	Lat          *float64
	Lng          *float64
	Details      string
	Confidence   float64
	Urgency      string
}

// extract asks the LLM to pull structured crisis details out of a message
// already classified as crisis. A parse failure or missing coordinates
// falls back to the safest available defaults rather than dropping the
// report.
func (p *Pipeline) extract(ctx context.Context, text string) extraction {
	fallback := extraction{
		EventType:  models.EventOther,
		Severity:   models.SeverityMedium,
		Details:    text,
		Confidence: 0.5,
		Urgency:    "unknown",
	}
	if p.llm == nil {
		return fallback
	}

	system := "Extract structured crisis details from this message. Respond with a single JSON object: " +
		"{\"event_type\":\"flood|bombing|earthquake|fire|building_collapse|shooting|chemical|medical_emergency|infrastructure|other\"," +
		"\"severity\":\"low|medium|high|critical\",\"location_text\":\"...\",\"lat\":number|null,\"lon\":number|null," +
		"\"details\":\"...\",\"confidence\":0-1,\"affected_count\":number|null,\"urgency\":\"...\"}."
	out, err := p.llm.Complete(ctx, system, text, 400)
	if err != nil {
		p.logger.Printf("[Intel] Extractor call failed: %v", err)
		return fallback
	}

	var parsed struct {
		EventType     string   `json:"event_type"`
		Severity      string   `json:"severity"`
		LocationText  string   `json:"location_text"`
		Lat           *float64 `json:"lat"`
		Lon           *float64 `json:"lon"`
		Details       string   `json:"details"`
		Confidence    float64  `json:"confidence"`
		AffectedCount *int     `json:"affected_count"`
		Urgency       string   `json:"urgency"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		p.logger.Printf("[Intel] Extractor returned non-conforming JSON: %v", err)
		return fallback
	}

	et := models.EventType(parsed.EventType)
	if !et.IsValid() {
		et = models.EventOther
	}
	sev := models.AlertSeverity(parsed.Severity)
	if sev == "" {
		sev = models.SeverityMedium
	}
	details := parsed.Details
	if details == "" {
		details = text
	}

	return extraction{
		EventType:    et,
		Severity:     sev,
		LocationText: parsed.LocationText,
		Lat:          parsed.Lat,
		Lng:          parsed.Lon,
		Details:      details,
		Confidence:   parsed.Confidence,
		Urgency:      parsed.Urgency,
	}
}

// embedAndIndex generates the message's embedding and upserts it into the
// vector index, giving later corroboration and similarity features a
// ready-made lookup. Failure here does not block the GeoEvent/Alert path:
// the vector index is a search aid, not the system of record.
func (p *Pipeline) embedAndIndex(ctx context.Context, channel *models.IntelChannel, msg ChannelMessage, ex extraction) {
	if p.vector == nil {
		return
	}
	vec, err := p.vector.Embed(ctx, msg.Text)
	if err != nil {
		p.logger.Printf("[Intel] Embedding failed: %v", err)
		return
	}
	metadata := map[string]interface{}{
		"source":        "telegram",
		"channel":       channel.Name,
		"date":          msg.PublishedAt,
		"is_crisis":     true,
		"event_type":    ex.EventType,
		"severity":      ex.Severity,
		"location_text": ex.LocationText,
	}
	if err := p.vector.Upsert(ctx, vec, metadata); err != nil {
		p.logger.Printf("[Intel] Vector upsert failed: %v", err)
	}
}

// Stats reports running counters, surfaced by the admin status endpoint.
func (p *Pipeline) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running":   p.IsRunning(),
		"processed": atomic.LoadInt64(&p.processed),
		"crises":    atomic.LoadInt64(&p.crises),
		"errors":    atomic.LoadInt64(&p.errors),
	}
}
