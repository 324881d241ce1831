// Command event-sim publishes synthetic detections to NATS so the alert
// pipeline can be exercised without the vision service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/ingest"
)

var detectionTypes = []string{
	alerts.DetectionIntrusion,
	alerts.DetectionLoitering,
	alerts.DetectionSuspiciousBehavior,
	alerts.DetectionFaceMatch,
}

// "" leaves the anti-spoof block out, which surfaces as unavailable.
var livenessVerdicts = []string{"genuine", "genuine", "spoof", ""}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	cameras := flag.String("cameras", "cam-1,cam-2,cam-3", "comma separated camera ids")
	interval := flag.Duration("interval", time.Second, "delay between events")
	count := flag.Int("count", 0, "stop after N events (0 = run until interrupted)")
	watchlistEvery := flag.Int("watchlist-every", 10, "publish a watchlist match every N events (0 = never)")
	flag.Parse()

	camList := strings.Split(*cameras, ",")

	nc, err := nats.Connect(*natsURL, nats.Name("vms-event-sim"))
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Close()

	pub := ingest.NewPublisher(nc, "", 3)
	log.Printf("event-sim started. NATS=%s cameras=%v", *natsURL, camList)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for n := 1; *count == 0 || n <= *count; n++ {
		select {
		case <-ctx.Done():
			log.Println("event-sim stopped")
			return
		case <-ticker.C:
		}

		cam := camList[rand.Intn(len(camList))]
		if *watchlistEvery > 0 && n%*watchlistEvery == 0 {
			m := alerts.WatchlistMatch{
				MatchID:    uuid.NewString(),
				PersonName: fmt.Sprintf("Person %03d", rand.Intn(200)),
				CameraID:   cam,
				Location:   "Gate " + strings.TrimPrefix(cam, "cam-"),
				Confidence: 0.8 + rand.Float64()*0.2,
				OccurredAt: time.Now().UTC(),
			}
			if err := pub.PublishMatch(ctx, m); err != nil {
				log.Printf("publish watchlist match: %v", err)
				continue
			}
			log.Printf("[%d] watchlist match %s on %s", n, m.MatchID, cam)
			continue
		}

		ev := alerts.DetectionEvent{
			EventID:       uuid.NewString(),
			CameraID:      cam,
			DetectionType: detectionTypes[rand.Intn(len(detectionTypes))],
			Timestamp:     time.Now().UTC(),
			Confidence:    0.5 + rand.Float64()*0.5,
			Payload:       map[string]any{"frame": n},
		}
		if ev.DetectionType == alerts.DetectionFaceMatch {
			if v := livenessVerdicts[rand.Intn(len(livenessVerdicts))]; v != "" {
				ev.Payload["anti_spoof"] = map[string]any{"verdict": v, "confidence": 0.9}
			}
		}
		if err := pub.PublishEvent(ctx, ev); err != nil {
			log.Printf("publish event: %v", err)
			continue
		}
		log.Printf("[%d] %s on %s (%.2f)", n, ev.DetectionType, cam, ev.Confidence)
	}
}
