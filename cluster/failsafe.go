package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// failsafeHTTPClient is dedicated to peer liveness checks: short timeout,
// no redirects, one client reused across ticks.
var failsafeHTTPClient = &http.Client{
	Timeout: 3 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// failsafeRetainsLeadership implements spec.md §4.6's failsafe mode: when
// the DCS lease cannot be renewed but this node can still reach every known
// peer directly and each confirms it still considers us the leader, we keep
// acting as primary rather than demoting on a transient DCS outage.
func (c *Controller) failsafeRetainsLeadership(ctx context.Context) bool {
	if c.lastSnapshot == nil || len(c.lastSnapshot.Members) == 0 {
		return false
	}

	for _, m := range c.lastSnapshot.Members {
		if m.Name == c.Cfg.Name {
			continue
		}
		if m.APIURL == "" {
			return false
		}
		if !c.confirmsWeAreLeader(ctx, m.APIURL) {
			Logf("HAW0008", m.Name)
			return false
		}
	}
	return true
}

func (c *Controller) confirmsWeAreLeader(ctx context.Context, apiURL string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/failsafe/leader/%s", apiURL, c.Cfg.Name)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := failsafeHTTPClient.Do(req)
	if err != nil {
		log.WithError(err).Debug("cluster: failsafe peer check failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
