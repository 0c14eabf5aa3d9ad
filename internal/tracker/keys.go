package tracker

import (
	"path"
	"strings"
)

// Key prefixes shared by every component that reads or writes job state.
const (
	JobsPrefix     = "cloudproc.jobs"
	RuntimesPrefix = "cloudproc.runtimes"
	TempPrefix     = "cloudproc.temp"
)

// Marker suffixes under a call prefix.
const (
	initSuffix   = "init"
	statusSuffix = "status"
	outputSuffix = "output"
)

// CallID identifies one call within a job.
type CallID struct {
	ExecutorID string `json:"executor_id"`
	JobID      string `json:"job_id"`
	CallID     string `json:"call_id"`
}

func (c CallID) String() string {
	return c.ExecutorID + "/" + c.JobID + "/" + c.CallID
}

// JobPrefix returns the prefix holding every key of a job, with trailing slash.
func JobPrefix(executorID, jobID string) string {
	return path.Join(JobsPrefix, executorID, jobID) + "/"
}

func callKey(id CallID, suffix string) string {
	return path.Join(JobsPrefix, id.ExecutorID, id.JobID, id.CallID, suffix)
}

// InitKey is written when a worker starts a call.
func InitKey(id CallID) string { return callKey(id, initSuffix) }

// StatusKey is written exactly once when a call completes.
func StatusKey(id CallID) string { return callKey(id, statusSuffix) }

// OutputKey holds the call's encoded result.
func OutputKey(id CallID) string { return callKey(id, outputSuffix) }

// AggDataKey holds the concatenated arguments of a map job; each call reads
// its own byte range.
func AggDataKey(executorID, jobID string) string {
	return path.Join(JobsPrefix, executorID, jobID, "aggdata.json")
}

// RuntimeMetaKey returns the key of a runtime's metadata descriptor.
func RuntimeMetaKey(engineVersion, runtimeKey string) string {
	return path.Join(RuntimesPrefix, engineVersion, runtimeKey+".meta.json")
}

// TempKey returns a key in a session's temporary area.
func TempKey(sessionPrefix, name string) string {
	return path.Join(TempPrefix, sessionPrefix, name)
}

// parseMarker splits "<call_id>/<marker>" relative to a job prefix.
func parseMarker(jobPrefix, key string) (callID, marker string, ok bool) {
	rest, found := strings.CutPrefix(key, jobPrefix)
	if !found {
		return "", "", false
	}
	callID, marker, ok = strings.Cut(rest, "/")
	if !ok || callID == "" || strings.Contains(marker, "/") {
		return "", "", false
	}
	return callID, marker, true
}

// ManifestKey holds the description of a job written at submission.
func ManifestKey(executorID, jobID string) string {
	return path.Join(JobsPrefix, executorID, jobID, "manifest.json")
}
