package sampling

//go:generate mockgen -destination "mock_comm_test.go" -package $GOPACKAGE -write_package_comment=false github.com/danmuck/flowlink/internal/comm Communicator
