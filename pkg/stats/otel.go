package stats

import (
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicebridge/voicebridge/version"
)

func appendVersionAttr(out []attribute.KeyValue, m *debug.Module) []attribute.KeyValue {
	switch m.Path {
	case "github.com/voicebridge/voicebridge":
		vers := m.Version
		if vers == "" || vers == "(devel)" {
			vers = version.Version
		}
		out = append(out, attribute.String(
			"voicebridge.version", vers,
		))
	case "github.com/gorilla/websocket":
		out = append(out, attribute.String(
			"voicebridge.websocket.version", m.Version,
		))
	}
	return out
}

func getVersions() []attribute.KeyValue {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return []attribute.KeyValue{attribute.String("voicebridge.version", version.Version)}
	}
	var out []attribute.KeyValue
	out = appendVersionAttr(out, &info.Main)
	for _, d := range info.Deps {
		out = appendVersionAttr(out, d)
	}
	return out
}

// Tracer is shared by the control relay and the transfer orchestrator.
var Tracer = otel.Tracer(
	"github.com/voicebridge/voicebridge",
	trace.WithInstrumentationAttributes(getVersions()...),
)
