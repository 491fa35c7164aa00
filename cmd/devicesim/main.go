// Command devicesim is a local MQTT device simulator exercising the
// gateway end to end: it connects with an auth-chain-bearing
// username, subscribes for desired-property pushes, and periodically
// reports properties, adapted from the teacher's cmd/beacon-sim/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "gateway MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device-id", "sim-device-1", "simulated device identity id")
	authChain := flag.String("auth-chain", "", "semicolon-joined auth chain hops from the gateway's identity to this device; defaults to just the device id")
	interval := flag.Duration("interval", 5*time.Second, "interval between reported-property publishes")
	baseTemp := flag.Float64("base-temp", 21.0, "baseline simulated temperature reading")
	tempJitter := flag.Float64("temp-jitter", 1.5, "maximum random jitter applied to temperature readings")

	flag.Parse()

	chain := *authChain
	if chain == "" {
		chain = *deviceID
	}

	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(*deviceID)
	opts = opts.SetUsername(chain)
	opts = opts.SetOrderMatters(false)

	desiredTopic := fmt.Sprintf("$twin/%s/desired/patch", *deviceID)
	opts = opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("received %s: %s", msg.Topic(), msg.Payload())
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to gateway broker: %v", token.Error())
	}
	log.Printf("connected to gateway broker %s as %s", *brokerAddr, *deviceID)

	if token := client.Subscribe(desiredTopic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", desiredTopic, token.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var version int64

	publish := func() {
		version++
		payload := map[string]interface{}{
			"version": version,
			"properties": map[string]interface{}{
				"temperature": randomFloat(*baseTemp, *tempJitter),
			},
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode reported patch: %v", err)
			return
		}

		topic := fmt.Sprintf("$twin/%s/reported/patch", *deviceID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s version=%d", topic, version)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func randomFloat(base, jitter float64) float64 {
	if jitter <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * jitter
	return base + delta
}
