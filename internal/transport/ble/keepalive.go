package ble

import "time"

// startKeepalive begins the keepalive loop for the connection identified by
// gen. While connected, it sends the literal command "--pos" every 5
// minutes to inhibit device sleep. It never sends "--pos info" — that
// variant is invalid on this firmware; the correct keepalive command is
// the bare "--pos".
func (c *Client) startKeepalive(gen uint64) {
	c.mu.Lock()
	if c.reconnectGen != gen {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.SendTextCommand("--pos"); err != nil {
					c.log.Warn().Err(err).Msg("keepalive send failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

// stopKeepaliveLocked stops the keepalive loop. Caller must hold c.mu.
func (c *Client) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}

// runRegisterQueries issues the extended register queries after the hello
// settle delay, each with retry-with-exponential-backoff (an initial
// attempt plus up to 3 retries after 0.5s, 1.0s, 2.0s). A query "succeeds"
// once the write itself
// succeeds; the device's (possibly multi-part) response arrives
// asynchronously via the notification handler and is never coalesced here.
func (c *Client) runRegisterQueries(gen uint64) {
	for _, q := range registerQueries {
		c.mu.Lock()
		current := c.reconnectGen
		c.mu.Unlock()
		if current != gen {
			return
		}

		var lastErr error
		for attempt := 0; attempt <= len(registerQueryBackoff); attempt++ {
			if attempt > 0 {
				time.Sleep(registerQueryBackoff[attempt-1])
			}
			if err := c.SendTextCommand(q); err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			c.log.Warn().Err(lastErr).Str("query", q).Msg("register query exhausted retries")
		}
	}
}
