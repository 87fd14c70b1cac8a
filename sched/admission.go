package sched

import "github.com/sirupsen/logrus"

// AdmissionController throttles how many waiting replicas may be launched
// per scheduling tick, given the backend's core budget and in-flight work.
// The policy is advisory backpressure, re-evaluated every tick, not a hard
// cap.
type AdmissionController struct {
	nReplicas  int
	slots      int
	bufferFrac float64
	verbose    bool
}

// NewAdmissionController builds the controller from the validated config.
func NewAdmissionController(cfg *Config) *AdmissionController {
	return &AdmissionController{
		nReplicas:  cfg.NReplicas,
		slots:      cfg.AvailableSlots(),
		bufferFrac: cfg.SubjobsBufferSize,
		verbose:    cfg.Verbose,
	}
}

// JobsToLaunch sizes the next launch batch. The slot budget is
// oversubscribed by the buffer fraction to absorb submission and polling
// latency, while at least two replicas are always withheld so exchange
// events keep candidates.
func (a *AdmissionController) JobsToLaunch(store *StatusStore) int {
	running, waiting := store.Counts()
	maxSubmitted := int((1 + a.bufferFrac) * float64(a.slots))
	nLaunch := waiting - max(2, a.nReplicas-maxSubmitted)
	nLaunch = max(0, min(nLaunch, waiting))
	// The pool is fixed-size: launching everything waiting can never push
	// running past nReplicas, but clamp anyway against a corrupted table.
	if running+nLaunch > a.nReplicas {
		nLaunch = max(0, a.nReplicas-running)
	}
	if a.verbose {
		logrus.Infof("available_slots: %d", a.slots)
		logrus.Infof("max_njobs_submitted: %d", maxSubmitted)
		logrus.Infof("running/submitted subjobs: %d", running)
		logrus.Infof("waiting replicas: %d", waiting)
		logrus.Infof("replicas to launch: %d", nLaunch)
	}
	return nLaunch
}
