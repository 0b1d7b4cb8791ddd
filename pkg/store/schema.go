package store

// Schema is dialect-neutral: string primary keys generated by the
// application, JSON payloads in TEXT columns, explicit sequence numbers
// instead of auto-increment.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(64),
    title VARCHAR(255),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);`,

	`CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    agent_name VARCHAR(255),
    metadata TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_num);`,

	`CREATE TABLE IF NOT EXISTS message_nodes (
    id VARCHAR(64) PRIMARY KEY,
    message_id VARCHAR(64) NOT NULL,
    session_id VARCHAR(64) NOT NULL,
    node_id VARCHAR(255) NOT NULL,
    node_type VARCHAR(100) NOT NULL,
    node_name VARCHAR(255),
    content TEXT,
    metadata TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_message_nodes_message ON message_nodes(message_id, sequence_num);`,

	`CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL UNIQUE,
    description TEXT,
    agent_type VARCHAR(50) NOT NULL,
    system_prompt TEXT,
    bound_tools TEXT,
    bound_knowledge_bases TEXT,
    flow_id VARCHAR(64),
    llm_config_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS flows (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    definition TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS tools (
    name VARCHAR(255) PRIMARY KEY,
    score REAL NOT NULL,
    is_available BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS mcp_servers (
    name VARCHAR(255) PRIMARY KEY,
    transport VARCHAR(50) NOT NULL,
    command TEXT,
    args TEXT,
    env TEXT,
    url TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS kb (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    embedder VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,

	`CREATE TABLE IF NOT EXISTS kb_documents (
    id VARCHAR(64) PRIMARY KEY,
    kb_id VARCHAR(64) NOT NULL,
    name VARCHAR(255) NOT NULL,
    file_type VARCHAR(50),
    content TEXT,
    status VARCHAR(50) NOT NULL,
    extraction_status VARCHAR(50) NOT NULL DEFAULT 'pending',
    error TEXT,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_kb_documents_kb ON kb_documents(kb_id);`,

	`CREATE TABLE IF NOT EXISTS kb_chunks (
    id VARCHAR(64) PRIMARY KEY,
    document_id VARCHAR(64) NOT NULL,
    kb_id VARCHAR(64) NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    chunk_metadata TEXT,
    chunk_strategy VARCHAR(50),
    strategy_variant VARCHAR(50),
    domain VARCHAR(100),
    domain_confidence REAL,
    is_summary BOOLEAN NOT NULL DEFAULT FALSE,
    summary_parent_chunk_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_kb_chunks_document ON kb_chunks(document_id, chunk_index);`,
	`CREATE INDEX IF NOT EXISTS idx_kb_chunks_kb ON kb_chunks(kb_id);`,

	`CREATE TABLE IF NOT EXISTS kg_triples (
    id VARCHAR(64) PRIMARY KEY,
    kb_id VARCHAR(64) NOT NULL,
    document_id VARCHAR(64) NOT NULL,
    chunk_id VARCHAR(64),
    subject VARCHAR(500) NOT NULL,
    predicate VARCHAR(255) NOT NULL,
    object VARCHAR(500) NOT NULL,
    confidence REAL NOT NULL,
    source_text TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (kb_id, subject, predicate, object)
);`,
	`CREATE INDEX IF NOT EXISTS idx_kg_triples_kb ON kg_triples(kb_id);`,
	`CREATE INDEX IF NOT EXISTS idx_kg_triples_subject ON kg_triples(kb_id, subject);`,
	`CREATE INDEX IF NOT EXISTS idx_kg_triples_object ON kg_triples(kb_id, object);`,

	`CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    scope VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(user_id, agent_id);`,

	`CREATE TABLE IF NOT EXISTS pipeline_snapshots (
    user_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(255) NOT NULL,
    session_id VARCHAR(64) NOT NULL,
    pipeline_id VARCHAR(64) NOT NULL,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, agent_name, session_id)
);`,
}
