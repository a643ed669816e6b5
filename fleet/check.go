// Package fleet runs the message-broker-driven worker pool: per-bench
// consumer processes pulling execution requests off priority queues, and
// the supervisory executor that keeps them alive, bounds their recovery,
// and publishes fleet liveness.
package fleet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/types"
)

var logger = log.New("module", "fleet")

// RecordsChecker asks the external record-keeping service whether a test
// id still needs to run, so redelivered or canceled work is skipped
// instead of executed twice.
type RecordsChecker struct {
	base   string
	client *http.Client
}

// NewRecordsChecker returns a checker against the service base URL.
func NewRecordsChecker(baseURL string) *RecordsChecker {
	return &RecordsChecker{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type recordStatus struct {
	Status types.Status `json:"status"`
}

// ShouldRun checks the service with a single attempt. Unknown ids and
// transport failures report true, so work is never silently dropped
// when the service is unreachable; only an explicit non-NOT_RUN status
// skips the message.
func (c *RecordsChecker) ShouldRun(id string) bool {
	url := fmt.Sprintf("%s/testrecords/%s", c.base, id)
	resp, err := c.client.Get(url)
	if err != nil {
		logger.Warn("Record check unreachable, running anyway", "id", id, "err", err)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	if resp.StatusCode != http.StatusOK {
		logger.Warn("Record check returned unexpected status, running anyway", "id", id, "status", resp.StatusCode)
		return true
	}

	var rec recordStatus
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		logger.Warn("Record check body undecodable, running anyway", "id", id, "err", err)
		return true
	}
	if rec.Status == types.StatusNotRun {
		return true
	}
	logger.Info("No need to run", "id", id, "status", rec.Status)
	return false
}
