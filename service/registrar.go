package service

import "context"

// Registrar hosts a service on the connection currently dispatching a call
// and returns the id the peer can reach it under.
type Registrar interface {
	RegisterHost(svc SerializedService) (ChannelID, error)
}

type registrarKey struct{}

// WithRegistrar returns a context carrying r. The host attaches itself to
// every inbound call so handlers returning services can publish them.
func WithRegistrar(ctx context.Context, r Registrar) context.Context {
	return context.WithValue(ctx, registrarKey{}, r)
}

func RegistrarFrom(ctx context.Context) (Registrar, bool) {
	r, ok := ctx.Value(registrarKey{}).(Registrar)
	return r, ok
}
