package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"psamonitor/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	rps        = flag.Int("rps", 1, "Readings per second across all lines")
	plantID    = flag.String("plant", "hospital_central", "Plant ID")
	plantName  = flag.String("name", "Hospital Central", "Plant display name")
	lines      = flag.Int("lines", 1, "Number of lines (1 simplex, 2 duplex, 3 triplex)")
	degrade    = flag.Float64("degrade", 0.05, "Probability that a line starts a degraded episode (0.0-1.0)")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "psa", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "psa/telemetry", "MQTT topic to publish to")
)

// lineSim keeps per-line state so degraded episodes last several readings,
// long enough to cross the debounce count.
type lineSim struct {
	id            string
	hours         float64
	degradedLeft  int
	degradedField string
}

type MockDataGenerator struct {
	plantID     string
	name        string
	degradeProb float64
	lines       []*lineSim
	next        int
}

func NewMockDataGenerator(plantID, name string, lineCount int, degradeProb float64) *MockDataGenerator {
	g := &MockDataGenerator{plantID: plantID, name: name, degradeProb: degradeProb}
	for i := 1; i <= max(lineCount, 1); i++ {
		g.lines = append(g.lines, &lineSim{id: strconv.Itoa(i), hours: 1000 * float64(i)})
	}
	return g
}

// Generate produces the next reading, cycling through the lines.
func (m *MockDataGenerator) Generate(now time.Time) (*models.TelemetryPayload, bool) {
	line := m.lines[m.next%len(m.lines)]
	m.next++

	if line.degradedLeft == 0 && rand.Float64() < m.degradeProb {
		line.degradedLeft = 3 + rand.Intn(8)
		line.degradedField = []string{"purity", "pressure", "temperature", "alarm"}[rand.Intn(4)]
	}
	degraded := line.degradedLeft > 0

	purity := 94.5 + rand.Float64()*1.5
	pressure := 5.0 + (rand.Float64()-0.5)*0.6
	temperature := 28.0 + (rand.Float64()-0.5)*4.0
	flow := 45.0 + (rand.Float64()-0.5)*5.0
	mode := models.ProductionMode
	alarm := false
	message := ""

	if degraded {
		line.degradedLeft--
		switch line.degradedField {
		case "purity":
			purity = 88.0 + rand.Float64()*4.5
		case "pressure":
			pressure = 2.5 + rand.Float64()*1.5
		case "temperature":
			temperature = 46.0 + rand.Float64()*12.0
		case "alarm":
			alarm = true
			message = "Falla compresor"
			mode = "Falla"
		}
	}
	line.hours += 1.0 / 3600

	return &models.TelemetryPayload{
		PlantID:        m.plantID,
		Name:           m.name,
		LineID:         line.id,
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		PressureBar:    ptr(round(pressure, 2)),
		TemperatureC:   ptr(round(temperature, 1)),
		PurityPct:      ptr(round(purity, 1)),
		FlowNm3h:       ptr(round(flow, 1)),
		Mode:           mode,
		Alarm:          alarm,
		AlarmMessage:   message,
		OperatingHours: ptr(round(line.hours, 2)),
	}, degraded
}

func ptr(v float64) *float64 { return &v }

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("PSA telemetry simulator started",
		zap.String("plant_id", *plantID),
		zap.Int("lines", *lines),
		zap.Int("rps", *rps),
		zap.Float64("degrade_probability", *degrade),
		zap.String("mqtt_broker", *mqttBroker),
		zap.String("mqtt_topic", *mqttTopic),
	)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-simulator", *plantID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	gen := NewMockDataGenerator(*plantID, *plantName, *lines, *degrade)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	interval := time.Second / time.Duration(max(*rps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	messageCount, degradedCount := 0, 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Simulator stopped",
				zap.Int("total_messages", messageCount),
				zap.Int("degraded_readings", degradedCount),
				zap.Duration("uptime", time.Since(startTime)))
			return

		case now := <-ticker.C:
			payload, degraded := gen.Generate(now)
			if degraded {
				degradedCount++
			}

			body, err := json.Marshal(payload)
			if err != nil {
				logger.Error("Failed to marshal reading", zap.Error(err))
				continue
			}

			// QoS 1: the service deduplicates retransmissions by timestamp.
			token := mqttClient.Publish(*mqttTopic, 1, false, body)
			if token.Wait() && token.Error() != nil {
				logger.Error("Failed to publish MQTT message", zap.Error(token.Error()))
				continue
			}
			messageCount++
			logger.Debug("Published reading",
				zap.String("line_id", payload.LineID),
				zap.Bool("degraded", degraded),
				zap.ByteString("data", body))

		case <-statsTicker.C:
			logger.Info("Statistics",
				zap.Int("total_messages", messageCount),
				zap.Int("degraded_readings", degradedCount),
				zap.Float64("avg_rate_msg_per_sec", float64(messageCount)/time.Since(startTime).Seconds()))
		}
	}
}
