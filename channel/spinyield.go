package channel

import "time"

// PollFn polls the NIC (inline NAPI) and runs one timer tick; spin-yield
// is the only suspension point for synchronous RPCs (spec §4.C, §5).
type PollFn func()

// SpinYield loops calling poll until cond reports true or the deadline
// passes, returning true if cond became true before the deadline. This is
// how device-proxy ops and zone-create negotiation make forward progress
// while the calling kernel thread holds the CPU (spec §4.C, §9).
func SpinYield(deadline time.Time, poll PollFn, cond func() bool) bool {
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return cond()
		}
		poll()
	}
}
