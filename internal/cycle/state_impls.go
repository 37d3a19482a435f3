package cycle

// SleepState - between cycles
type SleepState struct{}

func (s *SleepState) Name() string { return "sleep" }
func (s *SleepState) ToDiscover() *DiscoverClientsState {
	return &DiscoverClientsState{}
}

// DiscoverClientsState - listing active clients
type DiscoverClientsState struct{}

func (s *DiscoverClientsState) Name() string { return "discover_clients" }
func (s *DiscoverClientsState) ToProcess() *ProcessClientsState {
	return &ProcessClientsState{}
}

// ToSleep is taken when no client is active
func (s *DiscoverClientsState) ToSleep() *SleepState {
	return &SleepState{}
}
func (s *DiscoverClientsState) ToAborted() *AbortedState {
	return &AbortedState{}
}

// ProcessClientsState - analyzing each active client
type ProcessClientsState struct{}

func (s *ProcessClientsState) Name() string { return "process_clients" }
func (s *ProcessClientsState) ToSleep() *SleepState {
	return &SleepState{}
}
func (s *ProcessClientsState) ToAborted() *AbortedState {
	return &AbortedState{}
}

// AbortedState - cycle-fatal error, remaining clients are not processed
type AbortedState struct{}

func (s *AbortedState) Name() string { return "aborted" }
func (s *AbortedState) ToSleep() *SleepState {
	return &SleepState{}
}
