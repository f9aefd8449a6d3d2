package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource_DomainAttributes(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceVersion: "1.4.2",
		BackendURL:     "https://api.unforgotten.app:8443/v1",
		UserID:         "u-1",
		AccountID:      "acc-1",
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:    DefaultServiceName,
		semconv.ServiceVersionKey: "1.4.2",
		semconv.ServerAddressKey:  "api.unforgotten.app",
		AttrUserID:                "u-1",
		AttrAccountID:             "acc-1",
	} {
		v, ok := set.Value(key)
		if !ok {
			t.Errorf("%s missing", key)
			continue
		}
		if v.AsString() != want {
			t.Errorf("%s = %q, want %q", key, v.AsString(), want)
		}
	}
	if _, ok := set.Value(semconv.HostNameKey); !ok {
		t.Error("host.name not detected")
	}
}

func TestNewResource_OmitsUnsetIdentity(t *testing.T) {
	res, err := newResource(context.Background(), Config{ServiceName: "unforgotten-dev"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}

	set := res.Set()
	if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != "unforgotten-dev" {
		t.Errorf("service.name = %q", v.AsString())
	}
	for _, key := range []attribute.Key{semconv.ServiceVersionKey, semconv.ServerAddressKey, AttrUserID, AttrAccountID} {
		if _, ok := set.Value(key); ok {
			t.Errorf("%s should be absent", key)
		}
	}
}

func TestBackendHost(t *testing.T) {
	for raw, want := range map[string]string{
		"":                             "",
		"http://localhost:8080":        "localhost",
		"https://api.unforgotten.app/": "api.unforgotten.app",
		"://broken":                    "",
	} {
		if got := backendHost(raw); got != want {
			t.Errorf("backendHost(%q) = %q, want %q", raw, got, want)
		}
	}
}
