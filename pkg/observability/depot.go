package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to depot spans and metrics.
var (
	AttrOperation = attribute.Key("depot.operation")

	AttrProject  = attribute.Key("depot.project")
	AttrFilename = attribute.Key("depot.artifact.filename")
	AttrBase     = attribute.Key("depot.artifact.base")
	AttrVersion  = attribute.Key("depot.artifact.version")
	AttrDecision = attribute.Key("depot.upload.decision")

	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// UploadAttrs describes an upload attempt.
func UploadAttrs(project, filename string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProject.String(project),
		AttrFilename.String(filename),
	}
}

// DownloadAttrs describes a download resolution.
func DownloadAttrs(project, base, spec string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProject.String(project),
		AttrBase.String(base),
		attribute.String("depot.artifact.spec", spec),
	}
}

// HTTPAttrs describes a served request.
func HTTPAttrs(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
	}
}
