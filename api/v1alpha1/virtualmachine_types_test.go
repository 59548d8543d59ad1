package v1alpha1

import "testing"

func TestVirtualMachine_DeepCopy(t *testing.T) {
	original := NewVirtualMachine("web-1", VMTypeUser)
	original.Spec.Nics = []Nic{{ID: "nic-1", NetworkID: "net-1"}}
	original.Spec.Volumes = []Volume{{ID: "vol-1", Type: VolumeTypeRoot, PoolID: "pool-a"}}
	original.Status.Conditions = []Condition{{Type: ConditionPowerDrift, Status: ConditionTrue}}

	copied := original.DeepCopy()
	copied.Spec.Nics[0].NetworkID = "net-2"
	copied.Spec.Volumes[0].PoolID = "pool-b"
	copied.Status.Conditions[0].Status = ConditionFalse

	if original.Spec.Nics[0].NetworkID != "net-1" {
		t.Error("DeepCopy shares Nics")
	}
	if original.Spec.Volumes[0].PoolID != "pool-a" {
		t.Error("DeepCopy shares Volumes")
	}
	if original.Status.Conditions[0].Status != ConditionTrue {
		t.Error("DeepCopy shares Conditions")
	}

	var nilVM *VirtualMachine
	if nilVM.DeepCopy() != nil {
		t.Error("DeepCopy of nil should be nil")
	}
}

func TestState_IsTransitional(t *testing.T) {
	tests := []struct {
		state        State
		transitional bool
		hostBound    bool
	}{
		{StateCreated, false, false},
		{StateStarting, true, true},
		{StateRunning, false, true},
		{StateStopping, true, true},
		{StateStopped, false, false},
		{StateMigrating, true, true},
		{StateDestroyed, false, false},
		{StateExpunging, true, false},
		{StateError, false, false},
	}

	if len(tests) != len(AllStates) {
		t.Fatalf("table covers %d states, AllStates has %d", len(tests), len(AllStates))
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTransitional(); got != tt.transitional {
				t.Errorf("IsTransitional() = %v, want %v", got, tt.transitional)
			}
			if got := tt.state.IsHostBound(); got != tt.hostBound {
				t.Errorf("IsHostBound() = %v, want %v", got, tt.hostBound)
			}
		})
	}
}

func TestStep_Rank(t *testing.T) {
	order := []Step{StepPrepare, StepStarting, StepStarted, StepRelease, StepDone}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s rank %d not after %s rank %d", order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if StepMigrating.Rank() != StepStarted.Rank() {
		t.Errorf("Migrating rank = %d, want %d", StepMigrating.Rank(), StepStarted.Rank())
	}
	if Step("bogus").Rank() != -1 {
		t.Error("unknown step should rank -1")
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := map[JobStatus]bool{
		JobQueued:     false,
		JobInProgress: false,
		JobSucceeded:  true,
		JobFailed:     true,
	}
	for status, want := range tests {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestWorkJob_DeepCopy(t *testing.T) {
	job := &WorkJob{ID: "job-1", CmdInfo: []byte(`{"a":1}`), Result: []byte("ok")}
	copied := job.DeepCopy()
	copied.CmdInfo[0] = 'X'
	copied.Result[0] = 'X'
	if job.CmdInfo[0] != '{' || job.Result[0] != 'o' {
		t.Error("DeepCopy shares byte slices")
	}
}
