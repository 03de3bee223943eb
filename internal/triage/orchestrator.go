// Package triage consumes ingested SOS requests off a durable work queue
// and produces a per-patient risk profile plus a routed Alert, generalizing
// the teacher's TriagemMotor Redis Streams consumer into a two-stage
// pipeline with an LLM-backed primary path and a deterministic fallback.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/geo"
	"github.com/crisisline/backend/internal/integration"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/repository"
)

const (
	// StreamName is the Redis Stream carrying triage work items, one per
	// ingested SOS.
	StreamName = "triage:work"

	// ConsumerGroupName is shared by every worker process so items are
	// load-balanced, not broadcast.
	ConsumerGroupName = "triage-orchestrator"

	// BlockTime bounds how long XREADGROUP waits for new items per poll.
	BlockTime = 5 * time.Second

	// HardBudget and SoftBudget are the per-item wall-clock limits; an item
	// that exceeds SoftBudget should already be wrapping up, HardBudget is
	// the point past which the keyword fallback takes over unconditionally.
	HardBudget = 300 * time.Second
	SoftBudget = 270 * time.Second

	// MaxRetries bounds transient-failure retries before an item is left
	// pending with a warning instead of an alert.
	MaxRetries = 2
)

// WorkItem is the payload enqueued by the Ingestion Router for each SOS.
type WorkItem struct {
	SOSID uuid.UUID `json:"sos_id"`
}

// Enqueue publishes a work item for sosID onto the triage stream. Called by
// the Ingestion Router's common post-creation steps.
func Enqueue(ctx context.Context, rdb *redis.Client, sosID uuid.UUID) error {
	item := WorkItem{SOSID: sosID}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

// Orchestrator is the triage work queue's consumer: one instance runs per
// worker process, each processing items concurrently via its own consumer
// name while sharing ConsumerGroupName.
type Orchestrator struct {
	rdb          *redis.Client
	consumerName string

	sosRepo      *repository.SOSRepository
	patientRepo  *repository.PatientRepository
	alertRepo    *repository.AlertRepository
	facilityRepo *repository.FacilityRepository
	alertEngine  *alertengine.Engine

	llm *integration.LLMClient

	processed int64
	errors    int64

	logger *log.Logger
}

func New(
	rdb *redis.Client,
	consumerName string,
	sosRepo *repository.SOSRepository,
	patientRepo *repository.PatientRepository,
	alertRepo *repository.AlertRepository,
	facilityRepo *repository.FacilityRepository,
	alertEngine *alertengine.Engine,
	llm *integration.LLMClient,
) *Orchestrator {
	if consumerName == "" {
		consumerName = "triage-consumer-1"
	}
	return &Orchestrator{
		rdb:          rdb,
		consumerName: consumerName,
		sosRepo:      sosRepo,
		patientRepo:  patientRepo,
		alertRepo:    alertRepo,
		facilityRepo: facilityRepo,
		alertEngine:  alertEngine,
		llm:          llm,
		logger:       log.Default(),
	}
}

func (o *Orchestrator) SetLogger(l *log.Logger) {
	if l != nil {
		o.logger = l
	}
}

// EnsureConsumerGroup creates the consumer group at the start of the stream
// (ID 0, so items enqueued before the group existed are still delivered)
// if it does not already exist, matching TriagemMotor's
// create-group-at-start idiom (any BUSYGROUP error is swallowed).
func (o *Orchestrator) EnsureConsumerGroup(ctx context.Context) error {
	err := o.rdb.XGroupCreateMkStream(ctx, StreamName, ConsumerGroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run blocks, consuming work items until ctx is cancelled. Intended to be
// launched as one goroutine per worker slot from cmd/worker.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			o.consumeBatch(ctx)
		}
	}
}

func (o *Orchestrator) consumeBatch(ctx context.Context) {
	streams, err := o.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroupName,
		Consumer: o.consumerName,
		Streams:  []string{StreamName, ">"},
		Count:    10,
		Block:    BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return
		}
		o.logger.Printf("[Triage] Error reading from stream: %v", err)
		atomic.AddInt64(&o.errors, 1)
		time.Sleep(time.Second)
		return
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			o.processMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) processMessage(ctx context.Context, msg redis.XMessage) {
	defer o.ack(ctx, msg.ID)

	raw, ok := msg.Values["data"].(string)
	if !ok {
		o.logger.Printf("[Triage] Malformed work item %s, dropping", msg.ID)
		return
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		o.logger.Printf("[Triage] Could not parse work item %s: %v", msg.ID, err)
		return
	}

	budgetCtx, cancel := context.WithTimeout(ctx, HardBudget)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * 100 * time.Millisecond)
		}
		if err := o.processSOS(budgetCtx, item.SOSID); err != nil {
			lastErr = err
			o.logger.Printf("[Triage] Attempt %d failed for SOS %s: %v", attempt+1, item.SOSID, err)
			continue
		}
		atomic.AddInt64(&o.processed, 1)
		return
	}

	atomic.AddInt64(&o.errors, 1)
	o.logger.Printf("[Triage] SOS %s left pending after %d attempts: %v", item.SOSID, MaxRetries+1, lastErr)
}

func (o *Orchestrator) ack(ctx context.Context, id string) {
	if err := o.rdb.XAck(ctx, StreamName, ConsumerGroupName, id).Err(); err != nil {
		o.logger.Printf("[Triage] Could not ack %s: %v", id, err)
	}
}

// processSOS runs stage A (risk) then stage B (routing) sequentially for
// one SOS, falling back to keyword rules on any LLM failure or budget
// overrun, then applies the shared side effects.
func (o *Orchestrator) processSOS(ctx context.Context, sosID uuid.UUID) error {
	deadline, hasDeadline := ctx.Deadline()

	sos, err := o.sosRepo.GetByID(ctx, sosID)
	if err != nil {
		return err
	}

	var patient *models.Patient
	if sos.PatientID != nil {
		patient, err = o.patientRepo.GetByID(ctx, *sos.PatientID)
		if err != nil {
			patient = nil // unknown patient: keyword path still runs
		}
	}

	nearbyAlertCount := o.countNearbyAlerts(ctx, sos.Lat, sos.Lng)

	var stageA stageAOutput
	softExceeded := hasDeadline && time.Until(deadline) < (HardBudget-SoftBudget)
	if o.llm != nil && !softExceeded {
		stageA, err = o.runStageA(ctx, sos, patient, nearbyAlertCount)
		if err != nil {
			o.logger.Printf("[Triage] Stage A LLM call failed for SOS %s, using keyword fallback: %v", sosID, err)
			stageA = o.keywordStageA(sos, patient, nearbyAlertCount)
		}
	} else {
		stageA = o.keywordStageA(sos, patient, nearbyAlertCount)
	}

	stageB, err := o.runStageB(ctx, sos, stageA)
	if err != nil {
		o.logger.Printf("[Triage] Stage B LLM call failed for SOS %s, using keyword fallback: %v", sosID, err)
		stageB = o.keywordStageB(sos, stageA)
	}

	if patient != nil {
		if err := o.patientRepo.UpdateRiskProfile(ctx, patient.ID, stageA.RiskScore, stageA.RiskLevel); err != nil {
			o.logger.Printf("[Triage] Warning: could not write risk profile for patient %s: %v", patient.ID, err)
		}
	}

	alertInput := &models.CreateAlertInput{
		SOSRequestID:     &sos.ID,
		EventType:        stageB.EventType,
		Severity:         stageB.Severity,
		Department:       &stageB.Department,
		Lat:              sos.Lat,
		Lng:              sos.Lng,
		Message:          sos.Message,
		Source:           models.AlertSourceSOS,
		Confidence:       stageA.Confidence,
		TargetFacilityID: stageB.TargetFacilityID,
	}
	if _, err := o.alertEngine.Raise(ctx, alertInput); err != nil {
		return err
	}

	if err := o.sosRepo.SetTriageResult(ctx, sos.ID, stageA.RiskLevel, stageA.Urgency, stageB.Department, stageB.TargetFacilityID); err != nil {
		o.logger.Printf("[Triage] Warning: could not update SOS routing for %s: %v", sos.ID, err)
	}

	return nil
}

func (o *Orchestrator) countNearbyAlerts(ctx context.Context, lat, lng float64) int {
	sosNearby, err := o.sosRepo.ListNearActive(ctx, lat, lng, 0.05, time.Now().Add(-6*time.Hour))
	if err != nil {
		return 0
	}
	count := 0
	for _, s := range sosNearby {
		if geo.Within(lat, lng, s.Lat, s.Lng, 5000) {
			count++
		}
	}
	return count
}

// stageAOutput is the Risk Scorer's required output shape.
type stageAOutput struct {
	RiskScore   int
	RiskLevel   models.RiskLevel
	RiskFactors []string
	Urgency     models.ResponseUrgency
	Confidence  float64
}

// stageBOutput is the Department Classifier's required output shape.
type stageBOutput struct {
	EventType        models.EventType
	Severity         models.AlertSeverity
	Department       models.Department
	TargetFacilityID *uuid.UUID
}

// keywordStageA computes a deterministic risk profile when the LLM path is
// unavailable, unconfigured, or over budget.
func (o *Orchestrator) keywordStageA(sos *models.SOSRequest, patient *models.Patient, nearbyAlertCount int) stageAOutput {
	base := map[int]int{1: 15, 2: 35, 3: 50, 4: 70, 5: 90}[sos.Severity]
	if base == 0 {
		base = 15
	}
	vulnerable := patient != nil && patient.IsVulnerable()
	score := AdjustPriorityForVulnerability(base, vulnerable)
	score = AdjustPriorityForNearbyDensity(score, nearbyAlertCount)
	if patient != nil {
		score = AdjustPriorityForTrust(score, patient.TrustScore())
	}
	level := RiskLevelFromScore(score)
	return stageAOutput{
		RiskScore:   score,
		RiskLevel:   level,
		RiskFactors: []string{"keyword_fallback"},
		Urgency:     UrgencyFromRiskLevel(level),
		Confidence:  0.4,
	}
}

// keywordStageB computes a deterministic routing decision from stage A's
// output plus the SOS's own fields.
func (o *Orchestrator) keywordStageB(sos *models.SOSRequest, a stageAOutput) stageBOutput {
	result := RunKeywordFallback(sos.PatientStatus, sos.Severity, sos.Message, a.RiskScore)
	return stageBOutput{
		EventType:  result.EventType,
		Severity:   result.Severity,
		Department: result.Department,
	}
}

// runStageA submits the consolidated read-only context to the LLM and
// validates its required output fields.
func (o *Orchestrator) runStageA(ctx context.Context, sos *models.SOSRequest, patient *models.Patient, nearbyAlertCount int) (stageAOutput, error) {
	system := "You are the risk-scoring stage of a crisis-response triage pipeline. " +
		"Respond with a single JSON object: {\"risk_score\":0-100,\"risk_level\":\"low|moderate|high|critical\"," +
		"\"risk_factors\":[\"...\"],\"response_urgency\":\"immediate|within_1h|within_4h|when_available\",\"confidence\":0-1}."

	context := triageContext{
		PatientStatus: sos.PatientStatus,
		SOSSeverity:   sos.Severity,
		Message:       sos.Message,
		NearbyAlerts:  nearbyAlertCount,
	}
	if patient != nil {
		context.Vulnerable = patient.IsVulnerable()
		context.TrustScore = patient.TrustScore()
		context.TotalSOSCount = patient.TotalSOSCount
	}
	userJSON, err := json.Marshal(context)
	if err != nil {
		return stageAOutput{}, err
	}

	text, err := o.llm.Complete(ctx, system, string(userJSON), 500)
	if err != nil {
		return stageAOutput{}, err
	}

	var parsed struct {
		RiskScore    int      `json:"risk_score"`
		RiskLevel    string   `json:"risk_level"`
		RiskFactors  []string `json:"risk_factors"`
		Urgency      string   `json:"response_urgency"`
		Confidence   float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return stageAOutput{}, errors.New("stage A returned non-conforming JSON")
	}

	score := parsed.RiskScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return stageAOutput{
		RiskScore:   score,
		RiskLevel:   models.RiskLevel(parsed.RiskLevel),
		RiskFactors: parsed.RiskFactors,
		Urgency:     models.ResponseUrgency(parsed.Urgency),
		Confidence:  parsed.Confidence,
	}, nil
}

// triageContext is the read-only context Stage A submits to the LLM.
type triageContext struct {
	PatientStatus models.PatientStatus `json:"patient_status"`
	SOSSeverity   int                  `json:"sos_severity"`
	Message       string               `json:"message,omitempty"`
	Vulnerable    bool                 `json:"vulnerable"`
	TrustScore    float64              `json:"trust_score"`
	TotalSOSCount int                  `json:"total_sos_count"`
	NearbyAlerts  int                  `json:"nearby_alerts"`
}

// runStageB submits Stage A's output plus the SOS's fields to the
// Department Classifier, then applies the policy floors regardless of what
// the LLM returned.
func (o *Orchestrator) runStageB(ctx context.Context, sos *models.SOSRequest, a stageAOutput) (stageBOutput, error) {
	system := "You are the department-routing stage of a crisis-response triage pipeline. " +
		"Respond with a single JSON object: {\"event_type\":\"...\",\"severity\":\"low|medium|high|critical\"," +
		"\"routed_department\":\"hospital|police|civil_defense\",\"target_facility_id\":\"uuid or null\"}."

	payload := struct {
		RiskScore     int                  `json:"risk_score"`
		RiskLevel     models.RiskLevel     `json:"risk_level"`
		PatientStatus models.PatientStatus `json:"patient_status"`
		SOSSeverity   int                  `json:"sos_severity"`
		Message       string               `json:"message,omitempty"`
	}{a.RiskScore, a.RiskLevel, sos.PatientStatus, sos.Severity, sos.Message}
	userJSON, err := json.Marshal(payload)
	if err != nil {
		return stageBOutput{}, err
	}

	text, err := o.llm.Complete(ctx, system, string(userJSON), 300)
	if err != nil {
		return stageBOutput{}, err
	}

	var parsed struct {
		EventType        string  `json:"event_type"`
		Severity         string  `json:"severity"`
		Department       string  `json:"routed_department"`
		TargetFacilityID *string `json:"target_facility_id"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return stageBOutput{}, errors.New("stage B returned non-conforming JSON")
	}

	eventType := models.EventType(parsed.EventType)
	if !eventType.IsValid() {
		return stageBOutput{}, errors.New("stage B returned unknown event_type")
	}
	department := models.Department(parsed.Department)
	if !department.IsValid() {
		return stageBOutput{}, errors.New("stage B returned unknown routed_department")
	}
	severity := applyPolicyFloors(models.AlertSeverity(parsed.Severity), a.RiskScore, sos.PatientStatus, sos.Severity)

	var targetFacilityID *uuid.UUID
	if parsed.TargetFacilityID != nil && *parsed.TargetFacilityID != "" {
		if id, err := uuid.Parse(*parsed.TargetFacilityID); err == nil {
			targetFacilityID = &id
		}
	}

	return stageBOutput{
		EventType:        eventType,
		Severity:         severity,
		Department:       department,
		TargetFacilityID: targetFacilityID,
	}, nil
}

// Stats returns cumulative processing counters for health/metrics endpoints.
func (o *Orchestrator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"processed": atomic.LoadInt64(&o.processed),
		"errors":    atomic.LoadInt64(&o.errors),
	}
}
