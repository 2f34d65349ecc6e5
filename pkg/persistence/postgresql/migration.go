package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				workspace_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				published_version_id VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workspace_id, name)
			);

			CREATE INDEX idx_automations_workspace_id ON automations(workspace_id);

			CREATE TABLE automation_versions (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
				number INT NOT NULL,
				definition JSONB NOT NULL,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (automation_id, number)
			);

			CREATE TABLE automation_triggers (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
				workspace_id VARCHAR(255) NOT NULL,
				event_key VARCHAR(255) NOT NULL,
				scope VARCHAR(255) NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				sequence BIGSERIAL NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automation_triggers_lookup ON automation_triggers(workspace_id, event_key) WHERE is_active;
			CREATE INDEX idx_automation_triggers_automation_id ON automation_triggers(automation_id);
		`,
		2: `
			CREATE TABLE automation_runs (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				version_id VARCHAR(255) NOT NULL,
				trigger_id VARCHAR(255) NOT NULL,
				workspace_id VARCHAR(255) NOT NULL,
				event_key VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				subject_type VARCHAR(255) NOT NULL,
				subject_id VARCHAR(255) NOT NULL,
				payload JSONB,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'canceled')),
				pending_nodes INT NOT NULL CHECK (pending_nodes >= 0),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_automation_runs_automation_id ON automation_runs(automation_id);
			CREATE INDEX idx_automation_runs_status ON automation_runs(status);
			CREATE INDEX idx_automation_runs_started_at ON automation_runs(started_at);
			CREATE INDEX idx_automation_runs_finished_at ON automation_runs(finished_at) WHERE finished_at IS NOT NULL;

			CREATE TABLE automation_node_runs (
				id VARCHAR(255) PRIMARY KEY,
				run_id VARCHAR(255) NOT NULL REFERENCES automation_runs(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
				attempts INT NOT NULL DEFAULT 0,
				input JSONB,
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (run_id, node_id)
			);
		`,
	}
}
