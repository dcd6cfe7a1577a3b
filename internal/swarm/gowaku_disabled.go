//go:build !real_waku

package swarm

func newGoWakuBackend() gowakuBackend {
	return nil
}
