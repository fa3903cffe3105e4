package config

type Config struct {
	// RevertBelowThreshold returns a THRESHOLD_MET campaign to COLLECTING when a cancellation
	// drops the collected amount under the threshold. Off keeps the one-way ratchet.
	RevertBelowThreshold bool
}
