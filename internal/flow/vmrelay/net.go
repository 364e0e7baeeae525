package vmrelay

import "net"

// getFreePort finds an available local TCP port, mirroring the teacher's
// executor_sprites.go helper of the same name.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
