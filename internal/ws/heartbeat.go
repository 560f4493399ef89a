package ws

import (
	"log"
	"time"
)

// heartbeatLoop pings every live connection on a fixed interval and drops
// peers whose activity clock is older than the interval plus the grace
// timeout. The read path refreshes the clock on every inbound frame, pong
// included, so an idle client that answers pings is never dropped. With the
// defaults a dead peer is detected within 25 seconds.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadline := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, c := range s.conns.All() {
				if time.Since(c.LastActive) > deadline {
					log.Printf("[ws] heartbeat timeout: %s", c.ID)
					s.dropConnection(c)
					continue
				}
				if s.cfg.WriteTimeout > 0 {
					_ = c.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				}
				err := c.WritePing()
				_ = c.Conn.SetWriteDeadline(time.Time{})
				if err != nil {
					s.dropConnection(c)
				}
			}
		}
	}
}
