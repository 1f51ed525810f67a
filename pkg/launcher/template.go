// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

// settingsTemplate is the static runtime adapter written next to
// settings.json. Everything dynamic lives in settings.json, so the adapter
// itself never changes between deployments. It needs Node.js 18+ for the
// global fetch.
const settingsTemplate = `/* eslint-disable */
/*
 * FlowForge Device Agent runtime settings. Generated file: hand edits are
 * lost on the next deployment. Dynamic configuration lives in settings.json.
 */
'use strict'

const fs = require('fs')
const path = require('path')

const settings = JSON.parse(fs.readFileSync(path.join(__dirname, 'settings.json'), 'utf8'))
const forge = settings.flowforge

// Events the platform does not want: comms chatter, read-only gets, and
// auth noise other than the login trail.
function droppedAuditEvent (event) {
    if (/^comms\./.test(event) || /\.get$/.test(event)) { return true }
    return /^auth/.test(event) && !/^auth\.log/.test(event)
}

// Forward audit events to the platform. Delivery failures never surface into
// the runtime.
function forgeAuditLogger () {
    return function (msg) {
        if (!msg.audit) { return }
        if (msg.event && droppedAuditEvent(msg.event)) { return }
        const payload = Object.assign({}, msg)
        delete payload.audit
        delete payload.level
        fetch(forge.auditLogger.url, {
            method: 'POST',
            headers: {
                'content-type': 'application/json',
                authorization: 'Bearer ' + forge.auditLogger.token
            },
            body: JSON.stringify(payload)
        }).catch(function () {})
    }
}

const runtimeSettings = {
    flowFile: 'flows.json',
    credentialSecret: settings.credentialSecret,
    uiHost: '0.0.0.0',
    uiPort: settings.port,
    httpAdminRoot: '/device-editor',
    externalModules: {
        autoInstall: false,
        palette: { allowInstall: false },
        modules: { allowInstall: false }
    },
    contextStorage: {
        default: 'memory',
        memory: { module: 'memory' },
        persistent: { module: 'localfilesystem' }
    },
    logging: {
        console: { level: 'info', metrics: false, audit: false },
        auditLogger: { level: 'off', audit: true, handler: forgeAuditLogger }
    },
    adminAuth: {
        type: 'credentials',
        users: function () { return Promise.resolve(null) },
        authenticate: function () { return Promise.resolve(null) },
        tokens: function (token) {
            // Editor access is granted by the platform, never locally.
            return fetch(forge.forgeURL + '/api/v1/devices/' + forge.deviceId + '/editor/token', {
                headers: { 'x-access-token': token }
            }).then(function (res) {
                return res.ok ? { username: 'forge', permissions: '*' } : null
            }).catch(function () { return null })
        }
    },
    flowforge: forge
}

if (settings.https) {
    runtimeSettings.https = {
        key: fs.readFileSync(settings.https.keyPath),
        cert: fs.readFileSync(settings.https.certPath)
    }
    if (settings.https.caPath) {
        runtimeSettings.https.ca = fs.readFileSync(settings.https.caPath)
    }
}
if (settings.httpStatic) {
    runtimeSettings.httpStatic = settings.httpStatic
}
if (settings.httpNodeAuth) {
    runtimeSettings.httpNodeAuth = settings.httpNodeAuth
}
if (settings.editorTheme) {
    runtimeSettings.editorTheme = settings.editorTheme
}

module.exports = runtimeSettings
`
