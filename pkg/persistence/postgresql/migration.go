package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow instances are stored as one document row per instance;
			-- the step list travels as JSONB since its order is intrinsic.
			CREATE TABLE workflow_instances (
				id VARCHAR(255) PRIMARY KEY,
				entity_key VARCHAR(255) NOT NULL,
				definition VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'complete', 'failed', 'cancelled')),
				current_step INT NOT NULL DEFAULT 0,
				progress DOUBLE PRECISION NOT NULL DEFAULT 0,
				error TEXT,
				steps JSONB NOT NULL DEFAULT '[]',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_entity_key ON workflow_instances(entity_key);
			CREATE INDEX idx_workflow_instances_created_at ON workflow_instances(created_at);
		`,
		2: `
			-- Recovery attempts are append-only history for reporting.
			CREATE TABLE recovery_attempts (
				id VARCHAR(255) PRIMARY KEY,
				component_id VARCHAR(255) NOT NULL,
				action VARCHAR(255),
				kind VARCHAR(100),
				outcome VARCHAR(50) NOT NULL,
				message TEXT,
				error TEXT,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_recovery_attempts_component_id ON recovery_attempts(component_id);
			CREATE INDEX idx_recovery_attempts_started_at ON recovery_attempts(started_at);
		`,
	}
}
