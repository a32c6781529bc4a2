package models

import "fmt"

// Stage service names. One direct exchange per service.
const (
	ServiceOBS            = "obs"
	ServiceUpload         = "upload"
	ServiceCreate         = "create"
	ServiceTest           = "test"
	ServiceRawImageUpload = "raw_image_upload"
	ServiceReplicate      = "replicate"
	ServicePublish        = "publish"
	ServiceDeprecate      = "deprecate"
	ServiceCredentials    = "credentials"
	ServiceJobCreator     = "jobcreator"
)

// PipelineOrder is the canonical stage sequence for every cloud.
var PipelineOrder = []string{
	ServiceOBS,
	ServiceUpload,
	ServiceCreate,
	ServiceTest,
	ServiceRawImageUpload,
	ServiceReplicate,
	ServicePublish,
	ServiceDeprecate,
}

// serviceAliases maps legacy stage names onto canonical ones. The source
// tree used both spellings in different codepaths; everything here resolves
// through this single table.
var serviceAliases = map[string]string{
	"testing":     ServiceTest,
	"publisher":   ServicePublish,
	"replication": ServiceReplicate,
	"deprecation": ServiceDeprecate,
	"uploader":    ServiceUpload,
	"creation":    ServiceCreate,
}

// NormalizeService resolves a stage name or alias to its canonical name.
// Unknown names are returned unchanged so callers can report them.
func NormalizeService(name string) string {
	if canonical, ok := serviceAliases[name]; ok {
		return canonical
	}
	return name
}

// KnownService reports whether name resolves to a pipeline stage.
func KnownService(name string) bool {
	name = NormalizeService(name)
	for _, svc := range PipelineOrder {
		if svc == name {
			return true
		}
	}
	return false
}

// StagesUpTo returns the pipeline prefix terminating at lastService
// (inclusive). last_service is monotone along the chain: no stage later
// than the returned slice ever enqueues work for the job.
func StagesUpTo(lastService string) ([]string, error) {
	lastService = NormalizeService(lastService)
	for i, svc := range PipelineOrder {
		if svc == lastService {
			stages := make([]string, i+1)
			copy(stages, PipelineOrder[:i+1])
			return stages, nil
		}
	}
	return nil, fmt.Errorf("unknown last_service %q", lastService)
}

// NextService returns the stage that follows service, honoring the job's
// last_service boundary. ok is false at the end of the chain.
func NextService(service, lastService string) (next string, ok bool) {
	service = NormalizeService(service)
	lastService = NormalizeService(lastService)
	if service == lastService {
		return "", false
	}
	for i, svc := range PipelineOrder {
		if svc == service && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1], true
		}
	}
	return "", false
}

// ServiceIndex returns the position of service in the pipeline, or -1.
func ServiceIndex(service string) int {
	service = NormalizeService(service)
	for i, svc := range PipelineOrder {
		if svc == service {
			return i
		}
	}
	return -1
}
