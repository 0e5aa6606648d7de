// Command eliteheat-grant publishes point grants to the Kafka topic consumed
// by eliteheat-server.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"eliteheat/core"
	"eliteheat/integrations/kafka"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "eliteheat.grants", "Kafka topic")
	subject := flag.String("subject", "", "Subject to grant points to")
	delta := flag.Int64("delta", 0, "Points to add (negative to deduct)")
	reason := flag.String("reason", "", "Reason recorded in the points log")
	actor := flag.String("actor", "eliteheat-grant", "Actor recorded as granted_by")
	id := flag.String("id", "", "Message id, reused as the idempotency key (random if empty)")
	stdin := flag.Bool("stdin", false, "Read newline-delimited JSON grants from stdin instead of flags")
	flag.Parse()

	producer, err := kafka.NewProducer(strings.Split(*brokers, ","), *topic)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	if *stdin {
		n, err := sendLines(producer, bufio.NewScanner(os.Stdin))
		if err != nil {
			log.Fatalf("Failed after %d grants: %v", n, err)
		}
		fmt.Printf("sent %d grants to %s\n", n, *topic)
		return
	}

	if *subject == "" || *delta == 0 || *reason == "" {
		flag.Usage()
		os.Exit(2)
	}
	sent, err := producer.Send(kafka.AccrualMessage{
		ID:        *id,
		SubjectID: core.SubjectID(*subject),
		Delta:     *delta,
		Reason:    *reason,
		Actor:     *actor,
	})
	if err != nil {
		log.Fatalf("Failed to send grant: %v", err)
	}
	fmt.Printf("sent grant %s: %s %+d (%s)\n", sent.ID, sent.SubjectID, sent.Delta, sent.Reason)
}

type sender interface {
	Send(m kafka.AccrualMessage) (kafka.AccrualMessage, error)
}

func sendLines(p sender, sc *bufio.Scanner) (int, error) {
	n := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m kafka.AccrualMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if _, err := p.Send(m); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
