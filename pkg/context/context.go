package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	UserIDKey    = ContextKey("X-User-Id")
	RunIDKey     = ContextKey("X-Run-Id")
	NamespaceKey = ContextKey("X-Namespace")
	TableKey     = ContextKey("X-Table")
	StageKey     = ContextKey("X-Stage")
)

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, RemoteIPKey)
}

func SetRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func GetRunID(ctx context.Context) string {
	return getString(ctx, RunIDKey)
}

// SetStage tags the context with the namespace, table and stage being executed.
func SetStage(ctx context.Context, namespace, table, stage string) context.Context {
	ctx = context.WithValue(ctx, NamespaceKey, namespace)
	ctx = context.WithValue(ctx, TableKey, table)
	return context.WithValue(ctx, StageKey, stage)
}

func GetNamespace(ctx context.Context) string {
	return getString(ctx, NamespaceKey)
}

func GetTable(ctx context.Context) string {
	return getString(ctx, TableKey)
}

func GetStage(ctx context.Context) string {
	return getString(ctx, StageKey)
}

// Fields returns the populated context values as log fields.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for key, name := range map[ContextKey]string{
		RequestIDKey: "request_id",
		RunIDKey:     "run_id",
		NamespaceKey: "namespace",
		TableKey:     "table",
		StageKey:     "stage",
	} {
		if v := getString(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
