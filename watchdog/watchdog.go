// Package watchdog implements C12: a keepalive ticker the control loop kicks
// once per successful tick. If the loop wedges, the ticker stops and an
// external supervisor (systemd, the container runtime, a hardware watchdog
// device) restarts the process — named as thread (iii) in spec.md §5.
package watchdog

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Ticker periodically writes a keepalive. With a device path it writes "1\n"
// to a Linux /dev/watchdog-style character device; otherwise it runs as an
// in-memory ticker that writes nothing (Kick still resets the staleness
// deadline the loop checks).
type Ticker struct {
	interval time.Duration
	device   *os.File

	mu       sync.Mutex
	lastKick time.Time
	stopCh   chan struct{}
}

// New opens devicePath (if non-empty) and starts a background goroutine
// writing a keepalive every interval, so long as Kick was called within the
// preceding 2*interval window.
func New(devicePath string, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := &Ticker{interval: interval, stopCh: make(chan struct{})}

	if devicePath != "" {
		f, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
		if err != nil {
			log.WithError(err).Warnf("watchdog: could not open %s, running without hardware watchdog", devicePath)
		} else {
			t.device = f
		}
	}

	t.lastKick = time.Now()
	go t.loop()
	return t
}

// Kick records that the control loop completed a tick successfully.
func (t *Ticker) Kick() {
	t.mu.Lock()
	t.lastKick = time.Now()
	t.mu.Unlock()
}

func (t *Ticker) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			stale := time.Since(t.lastKick) > 2*t.interval
			t.mu.Unlock()
			if stale {
				log.Warn("watchdog: control loop has not kicked recently, withholding keepalive")
				continue
			}
			if t.device != nil {
				if _, err := t.device.WriteString("1\n"); err != nil {
					log.WithError(err).Warn("watchdog: keepalive write failed")
				}
			}
		}
	}
}

// Close stops the ticker goroutine and releases the device, if any.
func (t *Ticker) Close() error {
	close(t.stopCh)
	if t.device != nil {
		return t.device.Close()
	}
	return nil
}
