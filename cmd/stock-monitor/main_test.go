package main

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/gamotclinic/dispense/internal/domain/availment"
	"github.com/gamotclinic/dispense/internal/domain/inventory"
	"github.com/gamotclinic/dispense/internal/observability/metrics"
	"github.com/gamotclinic/dispense/pkg/workerpool"
)

type fakeStockReader struct {
	levels map[string]int
}

func (f *fakeStockReader) GetByMedicine(_ context.Context, medicineID, _ string) (*inventory.Record, error) {
	qty, ok := f.levels[medicineID]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return &inventory.Record{MedicineID: medicineID, Quantity: qty}, nil
}

type capturedAlert struct {
	topic string
	key   string
	alert LowStockAlert
}

type fakeAlertPublisher struct {
	published []capturedAlert
}

func (f *fakeAlertPublisher) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	var alert LowStockAlert
	if err := json.Unmarshal(value, &alert); err != nil {
		return err
	}
	f.published = append(f.published, capturedAlert{topic: topic, key: key, alert: alert})
	return nil
}

func eventJob(t *testing.T, event availment.CommittedEvent) workerpool.Job {
	t.Helper()
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return workerpool.Job{Key: event.PrescriptionID, Value: value}
}

func TestProcessAlertsOnLowStock(t *testing.T) {
	publisher := &fakeAlertPublisher{}
	monitor := &stockMonitor{
		inventory: &fakeStockReader{levels: map[string]int{"med-amlo": 4, "med-metf": 80}},
		producer:  publisher,
		threshold: 10,
		metrics:   metrics.NewForTesting(),
		logger:    zap.NewNop(),
	}

	event := availment.CommittedEvent{
		SlipID:         "slip-1",
		PrescriptionID: "rx-1",
		FacilityName:   "Botika Central",
		Dispensed: []availment.DispensedDrug{
			{MedicineID: "med-amlo", Quantity: 30, Applied: true},
			{MedicineID: "med-metf", Quantity: 10, Applied: true},
		},
	}

	if err := monitor.process(context.Background(), eventJob(t, event)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("alerts = %d, want 1", len(publisher.published))
	}
	got := publisher.published[0]
	if got.key != "med-amlo" || got.alert.Quantity != 4 || got.alert.SlipID != "slip-1" {
		t.Errorf("alert = %+v", got)
	}
}

func TestProcessChecksSkippedDecrements(t *testing.T) {
	// A line refused for short stock still has an inventory row; it must
	// be level-checked and alerted like any other.
	publisher := &fakeAlertPublisher{}
	monitor := &stockMonitor{
		inventory: &fakeStockReader{levels: map[string]int{"med-metf": 2}},
		producer:  publisher,
		threshold: 10,
		metrics:   metrics.NewForTesting(),
		logger:    zap.NewNop(),
	}

	event := availment.CommittedEvent{
		SlipID:       "slip-2",
		FacilityName: "Botika Central",
		Dispensed: []availment.DispensedDrug{
			{MedicineID: "med-metf", Quantity: 10, Applied: false},
			{MedicineID: "med-gone", Quantity: 5, Applied: false},
		},
	}

	if err := monitor.process(context.Background(), eventJob(t, event)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("alerts = %d, want 1", len(publisher.published))
	}
	if got := publisher.published[0]; got.key != "med-metf" || got.alert.Quantity != 2 {
		t.Errorf("alert = %+v", got)
	}
}

func TestProcessIgnoresHealthyLevels(t *testing.T) {
	publisher := &fakeAlertPublisher{}
	monitor := &stockMonitor{
		inventory: &fakeStockReader{levels: map[string]int{"med-amlo": 500}},
		producer:  publisher,
		threshold: 10,
		metrics:   metrics.NewForTesting(),
		logger:    zap.NewNop(),
	}

	event := availment.CommittedEvent{
		FacilityName: "Botika Central",
		Dispensed: []availment.DispensedDrug{
			{MedicineID: "med-amlo", Quantity: 30, Applied: true},
		},
	}

	if err := monitor.process(context.Background(), eventJob(t, event)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("alerts = %d, want 0", len(publisher.published))
	}
}
